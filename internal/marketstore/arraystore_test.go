package marketstore

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/atlas-desktop/quotefeed/internal/calendar"
	"github.com/atlas-desktop/quotefeed/pkg/types"
)

func testCalendar(t *testing.T) *calendar.Calendar {
	t.Helper()
	cal, err := calendar.New(types.CalendarConfig{
		Timezone:       "Asia/Shanghai",
		PreOpen:        types.HourMinute{9, 15},
		Open:           types.HourMinute{9, 30},
		HasBreak:       true,
		BreakStart:     types.HourMinute{11, 30},
		BreakEnd:       types.HourMinute{13, 0},
		Close:          types.HourMinute{15, 0},
		SessionMinutes: 242,
	})
	if err != nil {
		t.Fatalf("calendar.New: %v", err)
	}
	return cal
}

func newTestArrayStore(t *testing.T) *FileArrayStore {
	t.Helper()
	cal := testCalendar(t)
	path := filepath.Join(t.TempDir(), "data.h5")
	s, err := NewFileArrayStore(path, cal)
	if err != nil {
		t.Fatalf("NewFileArrayStore: %v", err)
	}
	return s
}

func TestDayArrayRoundTrip(t *testing.T) {
	s := newTestArrayStore(t)
	date := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	row := types.OHLC{Time: date.Unix(), Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 1000, Amount: 10500}

	if err := s.UpdateDay("SH600000", []types.OHLC{row}); err != nil {
		t.Fatalf("UpdateDay: %v", err)
	}

	got, err := s.GetDayByDate("SH600000", date)
	if err != nil {
		t.Fatalf("GetDayByDate: %v", err)
	}
	if got.Close != row.Close || got.Volume != row.Volume {
		t.Errorf("got %+v, want %+v", got, row)
	}
}

func TestShapeMismatchRecoversByDropAndRecreate(t *testing.T) {
	s := newTestArrayStore(t)
	date := time.Date(2024, 1, 2, 0, 0, 0, 0, s.cal.Location())
	open := s.cal.OpenTime(date)

	shape := s.cal.SessionMinutes()
	rows := make([]types.OHLC, shape)
	for i := range rows {
		rows[i] = types.OHLC{Time: open.Add(time.Duration(i) * time.Minute).Unix(), Close: float32(i)}
	}
	if err := s.UpdateIntraday(types.KindOneMin, "SYM", rows); err != nil {
		t.Fatalf("UpdateIntraday (original shape): %v", err)
	}

	newShape := 288
	newRows := make([]types.OHLC, newShape)
	for i := range newRows {
		newRows[i] = types.OHLC{Time: open.Add(time.Duration(i) * time.Minute).Unix(), Close: float32(i + 1000)}
	}
	if err := s.UpdateIntraday(types.KindOneMin, "SYM", newRows); err != nil {
		t.Fatalf("UpdateIntraday (new shape): %v", err)
	}

	got, err := s.GetIntraday(types.KindOneMin, "SYM", date)
	if err != nil {
		t.Fatalf("GetIntraday: %v", err)
	}
	if len(got) != newShape {
		t.Errorf("len(got) = %d, want %d", len(got), newShape)
	}
}

func TestUpdateIntradayHoleFallsBackToPerRowWrite(t *testing.T) {
	s := newTestArrayStore(t)
	date := time.Date(2024, 1, 2, 0, 0, 0, 0, s.cal.Location())
	open := s.cal.OpenTime(date)

	// Seed a full-shape dataset first.
	shape := s.cal.SessionMinutes()
	full := make([]types.OHLC, shape)
	for i := range full {
		full[i] = types.OHLC{Time: open.Add(time.Duration(i) * time.Minute).Unix()}
	}
	if err := s.UpdateIntraday(types.KindOneMin, "SYM", full); err != nil {
		t.Fatalf("seed UpdateIntraday: %v", err)
	}

	// Now write a single sparse row - this must not wipe the dataset.
	sparse := []types.OHLC{{Time: open.Add(5 * time.Minute).Unix(), Close: 42}}
	if err := s.UpdateIntraday(types.KindOneMin, "SYM", sparse); err != nil {
		t.Fatalf("sparse UpdateIntraday: %v", err)
	}

	got, err := s.GetIntraday(types.KindOneMin, "SYM", date)
	if err != nil {
		t.Fatalf("GetIntraday: %v", err)
	}
	if len(got) != shape {
		t.Fatalf("len(got) = %d, want %d (dataset should not have been dropped)", len(got), shape)
	}
	if got[5].Close != 42 {
		t.Errorf("got[5].Close = %v, want 42", got[5].Close)
	}
}

func TestMinuteArchiveRoundTrip(t *testing.T) {
	s := newTestArrayStore(t)
	date := time.Date(2024, 1, 2, 0, 0, 0, 0, s.cal.Location())
	open := s.cal.OpenTime(date)

	row := types.MinuteSnap{Time: open.Add(29 * time.Minute).Unix(), Price: 3000}
	if err := s.UpdateMinute("SH000001", []types.MinuteSnap{row}); err != nil {
		t.Fatalf("UpdateMinute: %v", err)
	}

	got, err := s.GetMinute("SH000001", date)
	if err != nil {
		t.Fatalf("GetMinute: %v", err)
	}
	if got[29].Price != 3000 {
		t.Errorf("got[29].Price = %v, want 3000", got[29].Price)
	}
}

func TestFlushAndReload(t *testing.T) {
	cal := testCalendar(t)
	path := filepath.Join(t.TempDir(), "data.h5")
	s, err := NewFileArrayStore(path, cal)
	if err != nil {
		t.Fatalf("NewFileArrayStore: %v", err)
	}
	date := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	row := types.OHLC{Time: date.Unix(), Close: 7}
	if err := s.UpdateDay("SYM", []types.OHLC{row}); err != nil {
		t.Fatalf("UpdateDay: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded, err := NewFileArrayStore(path, cal)
	if err != nil {
		t.Fatalf("reload NewFileArrayStore: %v", err)
	}
	got, err := reloaded.GetDayByDate("SYM", date)
	if err != nil {
		t.Fatalf("GetDayByDate after reload: %v", err)
	}
	if got.Close != 7 {
		t.Errorf("got.Close = %v, want 7", got.Close)
	}
}

func TestDropRemovesDataset(t *testing.T) {
	s := newTestArrayStore(t)
	date := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	if err := s.UpdateDay("SYM", []types.OHLC{{Time: date.Unix(), Close: 1}}); err != nil {
		t.Fatalf("UpdateDay: %v", err)
	}
	year, _ := calendar.DayIndex(date)
	if err := s.Drop(types.KindDay, "SYM", strconv.Itoa(year)); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if _, err := s.GetDay("SYM", year); err == nil {
		t.Error("expected NotFound after drop")
	}
}
