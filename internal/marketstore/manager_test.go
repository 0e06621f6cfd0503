package marketstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/quotefeed/pkg/types"
)

func newTestManager(t *testing.T) *StoreManager {
	t.Helper()
	cal := testCalendar(t)
	dir := t.TempDir()
	array, err := NewFileArrayStore(filepath.Join(dir, "data.h5"), cal)
	if err != nil {
		t.Fatalf("NewFileArrayStore: %v", err)
	}
	kv, err := OpenKVStore(filepath.Join(dir, "dstore.dump"))
	if err != nil {
		t.Fatalf("OpenKVStore: %v", err)
	}
	return NewStoreManager(zap.NewNop(), cal, array, kv)
}

func TestUpdateTickAdvancesMtimeMonotonically(t *testing.T) {
	m := newTestManager(t)
	t0 := int64(1291167000)

	tick := types.Tick{"symbol": "SH000001", "timestamp": decimal.NewFromInt(t0), "price": decimal.NewFromFloat(2856.99)}
	if err := m.UpdateTick(tick); err != nil {
		t.Fatalf("UpdateTick: %v", err)
	}
	if m.Mtime() != t0 {
		t.Errorf("Mtime() = %d, want %d", m.Mtime(), t0)
	}

	older := types.Tick{"symbol": "SH000001", "timestamp": decimal.NewFromInt(t0 - 100)}
	if err := m.UpdateTick(older); err != nil {
		t.Fatalf("UpdateTick (older): %v", err)
	}
	if m.Mtime() != t0 {
		t.Errorf("Mtime() decreased: got %d, want %d", m.Mtime(), t0)
	}

	got, ok := m.GetTick("SH000001")
	if !ok {
		t.Fatal("expected tick to round-trip")
	}
	if got.Float("price") != 2856.99 {
		t.Errorf("price = %v, want 2856.99", got.Float("price"))
	}
}

func TestGetListFiltersByPrefixCaseInsensitive(t *testing.T) {
	m := newTestManager(t)
	for _, sym := range []string{"SH600000", "SH600001", "SZ000001"} {
		m.UpdateTick(types.Tick{"symbol": sym, "timestamp": decimal.NewFromInt(1)})
	}

	got := m.GetList("sh")
	if len(got) != 2 {
		t.Errorf("len(GetList(sh)) = %d, want 2", len(got))
	}
	if len(m.GetList("")) != 3 {
		t.Errorf("len(GetList(\"\")) = %d, want 3", len(m.GetList("")))
	}
}

func TestMinuteArchiveMidSessionScenario(t *testing.T) {
	m := newTestManager(t)
	date := time.Date(2024, 1, 2, 0, 0, 0, 0, m.cal.Location())
	ts := m.cal.OpenTime(date).Add(29*time.Minute + 30*time.Second)

	if err := m.UpdateMinute("SH000001", []types.MinuteSnap{{Time: ts.Unix(), Price: 3000}}); err != nil {
		t.Fatalf("UpdateMinute: %v", err)
	}

	rows, err := m.GetMinute("SH000001", ts.Unix())
	if err != nil {
		t.Fatalf("GetMinute: %v", err)
	}
	if rows[29].Price != 3000 {
		t.Errorf("rows[29].Price = %v, want 3000", rows[29].Price)
	}
}

func TestDayRolloverReadsArchiveNotCache(t *testing.T) {
	m := newTestManager(t)
	dayD := time.Date(2024, 1, 2, 0, 0, 0, 0, m.cal.Location())
	tInD := m.cal.OpenTime(dayD).Add(10 * time.Minute)

	if err := m.UpdateMinute("SH000001", []types.MinuteSnap{{Time: tInD.Unix(), Price: 11}}); err != nil {
		t.Fatalf("UpdateMinute: %v", err)
	}

	dayD1 := dayD.AddDate(0, 0, 1)
	nextDayTs := m.cal.OpenTime(dayD1).Unix()
	m.advanceMtime(nextDayTs)

	if err := m.RotateMinuteStore(); err != nil {
		t.Fatalf("RotateMinuteStore: %v", err)
	}

	rows, err := m.GetMinute("SH000001", tInD.Unix())
	if err != nil {
		t.Fatalf("GetMinute after rotation: %v", err)
	}
	if rows[10].Price != 11 {
		t.Errorf("rows[10].Price = %v, want 11 (from archive)", rows[10].Price)
	}

	backend := m.GetMinuteStoreAt(tInD, MemoryHintForceMemory)
	if _, err := backend.Get("SH000001"); err == nil {
		t.Error("expected cache to be empty for SH000001 after rotation")
	}
}

func TestUpdateDividendShapeConflictReplaces(t *testing.T) {
	m := newTestManager(t)
	first := []types.Dividend{{Time: 1, Split: 1}}
	if err := m.UpdateDividend("SYM", first); err != nil {
		t.Fatalf("UpdateDividend: %v", err)
	}
	second := []types.Dividend{{Time: 2, Split: 1}, {Time: 3, Split: 2}}
	if err := m.UpdateDividend("SYM", second); err != nil {
		t.Fatalf("UpdateDividend (second): %v", err)
	}

	got := m.GetDividend("SYM")
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
}

func TestCloseFlushesStores(t *testing.T) {
	m := newTestManager(t)
	m.UpdateTick(types.Tick{"symbol": "SYM", "timestamp": decimal.NewFromInt(1)})
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
