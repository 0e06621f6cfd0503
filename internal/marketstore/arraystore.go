package marketstore

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/atlas-desktop/quotefeed/internal/calendar"
	"github.com/atlas-desktop/quotefeed/pkg/types"
)

// dayArrayLen is 53 ISO weeks x 5 weekdays, large enough that any ISO year
// fits in one fixed array.
const dayArrayLen = 53 * 5

const (
	ohlcRecordSize       = 28 // int32 time + 6 float32 fields
	minuteSnapRecordSize = 16 // int32 time + 3 float32 fields
)

// ArrayStore is the persistent typed-array archive keyed by
// (kind, symbol, date-or-year). A concrete backend may use any on-disk
// format as long as the logical group paths below are preserved for
// external migration tooling:
//
//	day/<symbol>/<iso-year>
//	1min/<symbol>/<yyyymmdd>
//	5min/<symbol>/<yyyymmdd>
//	minsnap/<yyyymmdd>/<symbol>
type ArrayStore interface {
	GetDay(symbol string, isoYear int) ([]types.OHLC, error)
	GetDayByDate(symbol string, date time.Time) (types.OHLC, error)
	GetRecentDays(symbol string, n int) ([]types.OHLC, error)
	UpdateDay(symbol string, rows []types.OHLC) error

	GetIntraday(kind types.Kind, symbol string, date time.Time) ([]types.OHLC, error)
	UpdateIntraday(kind types.Kind, symbol string, rows []types.OHLC) error

	GetMinute(symbol string, date time.Time) ([]types.MinuteSnap, error)
	UpdateMinute(symbol string, rows []types.MinuteSnap) error

	Drop(kind types.Kind, symbol, selector string) error
	Flush() error
	Close() error
}

// FileArrayStore is a single-file, fixed-record-per-dataset implementation
// of ArrayStore. It keeps every dataset in memory, keyed by its logical
// group path, and persists the whole map with gob on Flush using the same
// write-temp-then-rename durability model as KVStore. This hides the
// source's H5 dependency behind the ArrayStore interface while preserving
// the contractual group-path layout: a migration tool can still enumerate
// day/1min/5min/minsnap groups by their keys.
type FileArrayStore struct {
	mu       sync.RWMutex
	path     string
	cal      *calendar.Calendar
	datasets map[string][]byte // logical group path -> concatenated fixed-width records
}

// NewFileArrayStore opens (or creates) the array file at path.
func NewFileArrayStore(path string, cal *calendar.Calendar) (*FileArrayStore, error) {
	s := &FileArrayStore{
		path:     path,
		cal:      cal,
		datasets: make(map[string][]byte),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileArrayStore) load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return Fatalf(err, "open array file %s", s.path)
	}
	defer f.Close()

	dec := gob.NewDecoder(f)
	var datasets map[string][]byte
	if err := dec.Decode(&datasets); err != nil {
		return Fatalf(err, "decode array file %s", s.path)
	}
	s.datasets = datasets
	return nil
}

// Flush atomically persists every dataset to the array file.
func (s *FileArrayStore) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flushLocked()
}

func (s *FileArrayStore) flushLocked() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".data-*.tmp")
	if err != nil {
		return Fatalf(err, "create temp array file")
	}
	tmpPath := tmp.Name()

	enc := gob.NewEncoder(tmp)
	if err := enc.Encode(s.datasets); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return Fatalf(err, "encode array file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return Fatalf(err, "close temp array file")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return Fatalf(err, "rename temp array file")
	}
	return nil
}

// Close flushes and releases the store.
func (s *FileArrayStore) Close() error {
	return s.Flush()
}

// ---- group path helpers ----

func dayGroupPath(symbol string, isoYear int) string {
	return fmt.Sprintf("day/%s/%d", symbol, isoYear)
}

func intradayGroupPath(kind types.Kind, symbol, yyyymmdd string) string {
	return fmt.Sprintf("%s/%s/%s", kind, symbol, yyyymmdd)
}

func minuteGroupPath(symbol, yyyymmdd string) string {
	return fmt.Sprintf("minsnap/%s/%s", yyyymmdd, symbol)
}

func yyyymmdd(t time.Time) string { return t.Format("20060102") }

// ---- fixed-width row codecs ----

func encodeOHLC(o types.OHLC) []byte {
	b := make([]byte, ohlcRecordSize)
	putInt32(b[0:4], int32(o.Time))
	putFloat32(b[4:8], o.Open)
	putFloat32(b[8:12], o.High)
	putFloat32(b[12:16], o.Low)
	putFloat32(b[16:20], o.Close)
	putFloat32(b[20:24], o.Volume)
	putFloat32(b[24:28], o.Amount)
	return b
}

func decodeOHLC(b []byte) types.OHLC {
	return types.OHLC{
		Time:   int64(getInt32(b[0:4])),
		Open:   getFloat32(b[4:8]),
		High:   getFloat32(b[8:12]),
		Low:    getFloat32(b[12:16]),
		Close:  getFloat32(b[16:20]),
		Volume: getFloat32(b[20:24]),
		Amount: getFloat32(b[24:28]),
	}
}

func encodeMinuteSnap(m types.MinuteSnap) []byte {
	b := make([]byte, minuteSnapRecordSize)
	putInt32(b[0:4], int32(m.Time))
	putFloat32(b[4:8], m.Price)
	putFloat32(b[8:12], m.Volume)
	putFloat32(b[12:16], m.Amount)
	return b
}

func decodeMinuteSnap(b []byte) types.MinuteSnap {
	return types.MinuteSnap{
		Time:   int64(getInt32(b[0:4])),
		Price:  getFloat32(b[4:8]),
		Volume: getFloat32(b[8:12]),
		Amount: getFloat32(b[12:16]),
	}
}

func putInt32(b []byte, v int32) {
	u := uint32(v)
	b[0], b[1], b[2], b[3] = byte(u), byte(u>>8), byte(u>>16), byte(u>>24)
}

func getInt32(b []byte) int32 {
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

func putFloat32(b []byte, v float32) {
	putInt32(b, int32(math.Float32bits(v)))
}

func getFloat32(b []byte) float32 {
	return math.Float32frombits(uint32(getInt32(b)))
}

// ---- zero-filled dataset management ----

func zeroOHLCDataset(n int) []byte { return make([]byte, n*ohlcRecordSize) }
func zeroMinuteDataset(n int) []byte { return make([]byte, n*minuteSnapRecordSize) }

func ohlcRowCount(b []byte) int   { return len(b) / ohlcRecordSize }
func minuteRowCount(b []byte) int { return len(b) / minuteSnapRecordSize }

// ---- Day archive ----

func (s *FileArrayStore) GetDay(symbol string, isoYear int) ([]types.OHLC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.datasets[dayGroupPath(symbol, isoYear)]
	if !ok {
		return nil, NotFoundf("no day archive for %s/%d", symbol, isoYear)
	}
	return decodeOHLCRows(b), nil
}

func (s *FileArrayStore) GetDayByDate(symbol string, date time.Time) (types.OHLC, error) {
	isoYear, idx := calendar.DayIndex(date)
	rows, err := s.GetDay(symbol, isoYear)
	if err != nil {
		return types.OHLC{}, err
	}
	if idx < 0 || idx >= len(rows) {
		return types.OHLC{}, BadRequestf("day index %d out of range for %s", idx, symbol)
	}
	return rows[idx], nil
}

// GetRecentDays walks backward from the current year, concatenating
// non-zero rows, and returns the last n in chronological order.
func (s *FileArrayStore) GetRecentDays(symbol string, n int) ([]types.OHLC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	year, _ := calendar.DayIndex(time.Now().In(s.cal.Location()))
	var collected []types.OHLC
	found := false

	for y := year; y > year-10 && len(collected) < n; y-- {
		b, ok := s.datasets[dayGroupPath(symbol, y)]
		if !ok {
			continue
		}
		found = true
		yearRows := decodeOHLCRows(b)
		var nonZero []types.OHLC
		for _, r := range yearRows {
			if !r.IsZero() {
				nonZero = append(nonZero, r)
			}
		}
		collected = append(nonZero, collected...)
	}

	if !found {
		return nil, NotFoundf("no day data for %s", symbol)
	}
	if len(collected) > n {
		collected = collected[len(collected)-n:]
	}
	return collected, nil
}

func (s *FileArrayStore) UpdateDay(symbol string, rows []types.OHLC) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byYear := make(map[int][]int) // isoYear -> row indices into rows
	for i, r := range rows {
		isoYear, _ := calendar.DayIndex(time.Unix(r.Time, 0).In(s.cal.Location()))
		byYear[isoYear] = append(byYear[isoYear], i)
	}

	for isoYear, indices := range byYear {
		key := dayGroupPath(symbol, isoYear)
		b, ok := s.datasets[key]
		if !ok || ohlcRowCount(b) != dayArrayLen {
			b = zeroOHLCDataset(dayArrayLen)
		}
		for _, i := range indices {
			r := rows[i]
			_, idx := calendar.DayIndex(time.Unix(r.Time, 0).In(s.cal.Location()))
			if idx < 0 || idx >= dayArrayLen {
				return BadRequestf("day index %d out of range for %s", idx, symbol)
			}
			copy(b[idx*ohlcRecordSize:(idx+1)*ohlcRecordSize], encodeOHLC(r))
		}
		s.datasets[key] = b
	}
	return nil
}

// ---- Intraday (1min/5min) archives ----

func (s *FileArrayStore) intradayShape(kind types.Kind) int {
	switch kind {
	case types.KindOneMin:
		return s.cal.SessionMinutes()
	case types.KindFiveMin:
		return s.cal.SessionMinutes() / 5
	default:
		return s.cal.SessionMinutes()
	}
}

func (s *FileArrayStore) intradayIndex(kind types.Kind, ts time.Time) (int, time.Time, error) {
	if kind == types.KindFiveMin {
		return s.cal.FiveMinuteIndex(ts)
	}
	return s.cal.MinuteIndex(ts)
}

func (s *FileArrayStore) GetIntraday(kind types.Kind, symbol string, date time.Time) ([]types.OHLC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := intradayGroupPath(kind, symbol, yyyymmdd(date))
	b, ok := s.datasets[key]
	if !ok {
		return nil, NotFoundf("no %s archive for %s on %s", kind, symbol, yyyymmdd(date))
	}
	return decodeOHLCRows(b), nil
}

// UpdateIntraday groups incoming rows by trading day (a gap of more than
// two hours between consecutive rows starts a new day) and writes each
// group at its computed compressed-axis index.
//
// A group whose length matches the canonical session shape, or that is
// itself a contiguous run at kind's interval starting at the session's
// first index, is a whole-day array declaring its own shape: it is written
// positionally and replaces whatever dataset (of whatever length) was on
// disk, which is how shape-mismatch recovery happens for a size-changing
// update. Any other group is a sparse patch: each row is placed at its
// calendar-computed index against the dataset's current on-disk shape
// (falling back to the canonical shape for a fresh dataset), leaving the
// rest of that shape untouched.
func (s *FileArrayStore) UpdateIntraday(kind types.Kind, symbol string, rows []types.OHLC) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	interval := time.Minute
	if kind == types.KindFiveMin {
		interval = 5 * time.Minute
	}

	for _, group := range splitByDayGap(rows) {
		if len(group) == 0 {
			continue
		}
		date := time.Unix(group[0].Time, 0).In(s.cal.Location())
		key := intradayGroupPath(kind, symbol, yyyymmdd(date))
		canonical := s.intradayShape(kind)
		existing, ok := s.datasets[key]

		fullReplacement := len(group) == canonical
		if !fullReplacement && s.isFullDayRun(kind, group, interval) {
			fullReplacement = !ok || ohlcRowCount(existing) != len(group)
		}

		if fullReplacement {
			b := zeroOHLCDataset(len(group))
			for i, r := range group {
				copy(b[i*ohlcRecordSize:(i+1)*ohlcRecordSize], encodeOHLC(r))
			}
			s.datasets[key] = b
			continue
		}

		targetShape := canonical
		b := zeroOHLCDataset(canonical)
		if ok {
			targetShape = ohlcRowCount(existing)
			b = make([]byte, len(existing))
			copy(b, existing)
		}
		for _, r := range group {
			idx, _, err := s.intradayIndex(kind, time.Unix(r.Time, 0).In(s.cal.Location()))
			if err != nil {
				return err
			}
			if idx < 0 || idx >= targetShape {
				return BadRequestf("intraday index %d out of range for %s", idx, symbol)
			}
			copy(b[idx*ohlcRecordSize:(idx+1)*ohlcRecordSize], encodeOHLC(r))
		}
		s.datasets[key] = b
	}
	return nil
}

// isFullDayRun reports whether group is a contiguous run of rows at kind's
// interval starting at the session's first index: a whole-day array
// declaring its own shape, as opposed to a sparse patch that must preserve
// whatever shape is already on disk.
func (s *FileArrayStore) isFullDayRun(kind types.Kind, group []types.OHLC, interval time.Duration) bool {
	if len(group) < 2 {
		return false
	}
	startIdx, _, err := s.intradayIndex(kind, time.Unix(group[0].Time, 0).In(s.cal.Location()))
	if err != nil || startIdx != 0 {
		return false
	}
	for i := 1; i < len(group); i++ {
		if time.Unix(group[i].Time, 0).Sub(time.Unix(group[i-1].Time, 0)) != interval {
			return false
		}
	}
	return true
}

// ---- Minute snapshot archive (file-backed side of MinuteStoreBackend) ----

func (s *FileArrayStore) GetMinute(symbol string, date time.Time) ([]types.MinuteSnap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := minuteGroupPath(symbol, yyyymmdd(date))
	b, ok := s.datasets[key]
	if !ok {
		return nil, NotFoundf("no minute snapshot archive for %s on %s", symbol, yyyymmdd(date))
	}
	return decodeMinuteRows(b), nil
}

func (s *FileArrayStore) UpdateMinute(symbol string, rows []types.MinuteSnap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, group := range splitMinuteByDayGap(rows) {
		if len(group) == 0 {
			continue
		}
		date := time.Unix(group[0].Time, 0).In(s.cal.Location())
		key := minuteGroupPath(symbol, yyyymmdd(date))
		shape := s.cal.SessionMinutes()

		b, ok := s.datasets[key]
		if !ok || minuteRowCount(b) != shape {
			b = zeroMinuteDataset(shape)
		}
		for _, r := range group {
			idx, _, err := s.cal.MinuteIndex(time.Unix(r.Time, 0).In(s.cal.Location()))
			if err != nil {
				return err
			}
			if idx < 0 || idx >= shape {
				return BadRequestf("minute index %d out of range for %s", idx, symbol)
			}
			copy(b[idx*minuteSnapRecordSize:(idx+1)*minuteSnapRecordSize], encodeMinuteSnap(r))
		}
		s.datasets[key] = b
	}
	return nil
}

// ---- Drop ----

func (s *FileArrayStore) Drop(kind types.Kind, symbol, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key string
	switch kind {
	case types.KindDay:
		key = fmt.Sprintf("day/%s/%s", symbol, selector)
	case types.KindOneMin, types.KindFiveMin:
		key = intradayGroupPath(kind, symbol, selector)
	case types.KindMinute:
		key = minuteGroupPath(symbol, selector)
	default:
		return BadRequestf("unknown kind %q", kind)
	}
	if _, ok := s.datasets[key]; !ok {
		return NotFoundf("no dataset at %s", key)
	}
	delete(s.datasets, key)
	return nil
}

// ---- row group / decode helpers ----

const dayBoundaryGap = 2 * time.Hour

func splitByDayGap(rows []types.OHLC) [][]types.OHLC {
	if len(rows) == 0 {
		return nil
	}
	var groups [][]types.OHLC
	start := 0
	for i := 1; i < len(rows); i++ {
		gap := time.Duration(rows[i].Time-rows[i-1].Time) * time.Second
		if gap > dayBoundaryGap {
			groups = append(groups, rows[start:i])
			start = i
		}
	}
	groups = append(groups, rows[start:])
	return groups
}

func splitMinuteByDayGap(rows []types.MinuteSnap) [][]types.MinuteSnap {
	if len(rows) == 0 {
		return nil
	}
	var groups [][]types.MinuteSnap
	start := 0
	for i := 1; i < len(rows); i++ {
		gap := time.Duration(rows[i].Time-rows[i-1].Time) * time.Second
		if gap > dayBoundaryGap {
			groups = append(groups, rows[start:i])
			start = i
		}
	}
	groups = append(groups, rows[start:])
	return groups
}

func decodeOHLCRows(b []byte) []types.OHLC {
	n := ohlcRowCount(b)
	rows := make([]types.OHLC, n)
	for i := 0; i < n; i++ {
		rows[i] = decodeOHLC(b[i*ohlcRecordSize : (i+1)*ohlcRecordSize])
	}
	return rows
}

func decodeMinuteRows(b []byte) []types.MinuteSnap {
	n := minuteRowCount(b)
	rows := make([]types.MinuteSnap, n)
	for i := 0; i < n; i++ {
		rows[i] = decodeMinuteSnap(b[i*minuteSnapRecordSize : (i+1)*minuteSnapRecordSize])
	}
	return rows
}
