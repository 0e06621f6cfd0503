package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

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

func newTestStore(t *testing.T, cal *calendar.Calendar) *marketstore.StoreManager {
	t.Helper()
	dir := t.TempDir()
	array, err := marketstore.NewFileArrayStore(filepath.Join(dir, "data.h5"), cal)
	if err != nil {
		t.Fatalf("NewFileArrayStore: %v", err)
	}
	kv, err := marketstore.OpenKVStore(filepath.Join(dir, "dstore.dump"))
	if err != nil {
		t.Fatalf("OpenKVStore: %v", err)
	}
	return marketstore.NewStoreManager(zap.NewNop(), cal, array, kv)
}

func TestArchiveDayFiresOnceAtCutoffThenNotAgain(t *testing.T) {
	cal := testCalendar(t)
	store := newTestStore(t, cal)
	sched := New(zap.NewNop(), cal, store, nil, nil)

	date := time.Date(2024, 1, 2, 0, 0, 0, 0, cal.Location())
	closeTime := cal.CloseTime(date)
	firstTick := closeTime.Add(181 * time.Second)

	tick := types.Tick{
		"symbol":    "SH000001",
		"timestamp": decimal.NewFromInt(firstTick.Unix()),
		"price":     decimal.NewFromFloat(10),
		"open":      decimal.NewFromFloat(9),
		"high":      decimal.NewFromFloat(11),
		"low":       decimal.NewFromFloat(8),
		"volume":    decimal.NewFromFloat(100),
	}
	if err := store.UpdateTick(tick); err != nil {
		t.Fatalf("UpdateTick: %v", err)
	}

	sched.Tick(context.Background(), firstTick)
	row, err := store.GetDayRow("SH000001", date)
	if err != nil {
		t.Fatalf("GetDayRow after first tick: %v", err)
	}
	if row.Close != 10 {
		t.Errorf("Close = %v, want 10", row.Close)
	}
	firstWatermark := sched.lastArchiveDay

	secondTick := closeTime.Add(182 * time.Second)
	sched.Tick(context.Background(), secondTick)
	if sched.lastArchiveDay != firstWatermark {
		t.Error("archive_day ran a second time for the same mtime")
	}
}

func TestArchiveMinuteDuringSessionWritesRow(t *testing.T) {
	cal := testCalendar(t)
	store := newTestStore(t, cal)
	sched := New(zap.NewNop(), cal, store, nil, nil)

	date := time.Date(2024, 1, 2, 0, 0, 0, 0, cal.Location())
	ts := cal.OpenTime(date).Add(29 * time.Minute)

	tick := types.Tick{
		"symbol":    "SH000001",
		"timestamp": decimal.NewFromInt(ts.Unix()),
		"price":     decimal.NewFromFloat(3000),
	}
	if err := store.UpdateTick(tick); err != nil {
		t.Fatalf("UpdateTick: %v", err)
	}

	if err := sched.ArchiveMinute(ts); err != nil {
		t.Fatalf("ArchiveMinute: %v", err)
	}

	rows, err := store.GetMinute("SH000001", ts.Unix())
	if err != nil {
		t.Fatalf("GetMinute: %v", err)
	}
	if rows[29].Price != 3000 {
		t.Errorf("rows[29].Price = %v, want 3000", rows[29].Price)
	}
}

func TestCrontabDailyWritesDividendsAndSectors(t *testing.T) {
	cal := testCalendar(t)
	store := newTestStore(t, cal)

	divFeed := stubDividendFeed{data: map[string][]types.Dividend{"SYM": {{Time: 1, Split: 1}}}}
	secFeed := stubSectorFeed{data: map[string]map[string]string{"Finance": {"SH600000": "Bank"}}}
	sched := New(zap.NewNop(), cal, store, divFeed, secFeed)

	if err := sched.CrontabDaily(context.Background()); err != nil {
		t.Fatalf("CrontabDaily: %v", err)
	}

	if got := store.GetDividend("SYM"); len(got) != 1 {
		t.Errorf("GetDividend: got %+v", got)
	}
	mapping, ok := store.GetSector("Finance")
	if !ok || mapping["SH600000"] != "Bank" {
		t.Errorf("GetSector: got %+v, %v", mapping, ok)
	}
}

type stubDividendFeed struct {
	data map[string][]types.Dividend
}

func (f stubDividendFeed) FetchDividends(ctx context.Context) (map[string][]types.Dividend, error) {
	return f.data, nil
}

type stubSectorFeed struct {
	data map[string]map[string]string
}

func (f stubSectorFeed) FetchSectors(ctx context.Context) (map[string]map[string]string, error) {
	return f.data, nil
}
