package adminhttp_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/atlas-desktop/quotefeed/internal/adminhttp"
	"github.com/atlas-desktop/quotefeed/internal/calendar"
	"github.com/atlas-desktop/quotefeed/internal/marketstore"
	"github.com/atlas-desktop/quotefeed/pkg/types"
)

func testCalendar(t *testing.T) *calendar.Calendar {
	t.Helper()
	cal, err := calendar.New(types.CalendarConfig{
		Timezone:       "Asia/Shanghai",
		PreOpen:        types.HourMinute{Hour: 9, Minute: 15},
		Open:           types.HourMinute{Hour: 9, Minute: 30},
		HasBreak:       true,
		BreakStart:     types.HourMinute{Hour: 11, Minute: 30},
		BreakEnd:       types.HourMinute{Hour: 13, Minute: 0},
		Close:          types.HourMinute{Hour: 15, Minute: 0},
		SessionMinutes: 242,
	})
	if err != nil {
		t.Fatalf("calendar.New: %v", err)
	}
	return cal
}

func setupTestServer(t *testing.T) (*adminhttp.Server, *httptest.Server) {
	t.Helper()
	cal := testCalendar(t)
	dir := t.TempDir()
	array, err := marketstore.NewFileArrayStore(filepath.Join(dir, "data.h5"), cal)
	if err != nil {
		t.Fatalf("NewFileArrayStore: %v", err)
	}
	kv, err := marketstore.OpenKVStore(filepath.Join(dir, "dstore.dump"))
	if err != nil {
		t.Fatalf("OpenKVStore: %v", err)
	}
	store := marketstore.NewStoreManager(zap.NewNop(), cal, array, kv)

	reg := prometheus.NewRegistry()
	server := adminhttp.New(zap.NewNop(), adminhttp.Config{ReadTimeout: time.Second, WriteTimeout: time.Second}, store, reg)
	ts := httptest.NewServer(server.Router())
	return server, ts
}

func TestHealthzReturnsOKWhenFresh(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		t.Errorf("expected a Content-Type header")
	}
}
