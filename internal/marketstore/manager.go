package marketstore

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/quotefeed/internal/calendar"
	"github.com/atlas-desktop/quotefeed/pkg/types"
)

// MemoryHint selects which minute-store backend getMinuteStoreAt should
// prefer when the caller knows something the date-based default doesn't.
type MemoryHint int

const (
	// MemoryHintAuto picks the cache for today's date and the archive
	// otherwise.
	MemoryHintAuto MemoryHint = iota
	// MemoryHintForceMemory always returns the cache, creating it if needed.
	MemoryHintForceMemory
	// MemoryHintForceFile always returns the archive-backed store.
	MemoryHintForceFile
)

// StoreManager owns ArrayStore, KVStore and MinuteCache, routes reads and
// writes by kind and date, and maintains the mtime watermark. It is the
// only component that touches the store handles directly; Handler holds a
// borrowed reference for the duration of one request.
type StoreManager struct {
	logger *zap.Logger
	cal    *calendar.Calendar
	array  ArrayStore
	kv     *KVStore

	mu    sync.Mutex // serializes writes, per the single-writer cooperative model
	cache *MinuteCache

	mtime atomic.Int64
}

// NewStoreManager wires an already-open ArrayStore and KVStore under one
// manager for the given calendar.
func NewStoreManager(logger *zap.Logger, cal *calendar.Calendar, array ArrayStore, kv *KVStore) *StoreManager {
	return &StoreManager{
		logger: logger,
		cal:    cal,
		array:  array,
		kv:     kv,
	}
}

// Mtime returns the monotonic maximum of all accepted tick timestamps.
func (s *StoreManager) Mtime() int64 { return s.mtime.Load() }

// LastQuoteTime is a deprecated alias for Mtime, kept for clients still
// issuing the legacy get_last_quote_time command.
func (s *StoreManager) LastQuoteTime() int64 { return s.Mtime() }

func (s *StoreManager) advanceMtime(t int64) {
	for {
		cur := s.mtime.Load()
		if t <= cur {
			return
		}
		if s.mtime.CompareAndSwap(cur, t) {
			return
		}
	}
}

func (s *StoreManager) dateOf(t time.Time) time.Time {
	t = t.In(s.cal.Location())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.cal.Location())
}

// GetMinuteStoreAt returns the minute store backend for the given date. If
// hint is ForceMemory, or hint is Auto and date is today, that is the
// MinuteCache; otherwise the archive-backed store. If the cache already
// holds the requested date, the existing cache is returned rather than a
// new one being created.
func (s *StoreManager) GetMinuteStoreAt(ts time.Time, hint MemoryHint) MinuteStoreBackend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getMinuteStoreAtLocked(ts, hint)
}

func (s *StoreManager) getMinuteStoreAtLocked(ts time.Time, hint MemoryHint) MinuteStoreBackend {
	date := s.dateOf(ts)
	today := s.dateOf(time.Now())

	wantMemory := hint == MemoryHintForceMemory || (hint == MemoryHintAuto && date.Equal(today))
	if hint == MemoryHintForceFile {
		wantMemory = false
	}

	if wantMemory {
		if s.cache != nil && s.cache.Date().Equal(date) {
			return s.cache
		}
		if s.cache != nil {
			if err := s.cache.Rotate(s.array, s.logger); err != nil {
				s.logger.Warn("rotate on demand failed", zap.Error(err))
			}
		}
		s.cache = NewMinuteCache(date, s.cal.SessionMinutes())
		return s.cache
	}
	return &fileMinuteStore{store: s.array, date: date}
}

// RotateMinuteStore persists and discards the cache if its date differs
// from the date implied by the current mtime. Called once per scheduler
// tick before archive_minute runs.
func (s *StoreManager) RotateMinuteStore() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		return nil
	}
	mtimeDate := s.dateOf(time.Unix(s.Mtime(), 0))
	if mtimeDate.Equal(s.cache.Date()) {
		return nil
	}
	if err := s.cache.Rotate(s.array, s.logger); err != nil {
		return err
	}
	s.cache = nil
	return nil
}

// UpdateTick sets mtime from the tick's timestamp and merges it into the
// ticks namespace, keyed by its symbol field.
func (s *StoreManager) UpdateTick(tick types.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	symbol := tick.Symbol()
	if symbol == "" {
		return BadRequestf("tick missing symbol field")
	}

	ns := s.kv.Namespace(NamespaceTicks)
	ns.Set(symbol, tick)
	s.advanceMtime(tick.Timestamp())
	return nil
}

// UpdateMinute routes rows to the cache- or archive-backed store by the
// first row's timestamp, then writes each row at its computed
// compressed-axis index, rewriting out-of-session timestamps per Calendar.
func (s *StoreManager) UpdateMinute(symbol string, rows []types.MinuteSnap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}
	backend := s.getMinuteStoreAtLocked(time.Unix(rows[0].Time, 0), MemoryHintAuto)
	return s.writeMinuteRowsLocked(backend, symbol, rows)
}

func (s *StoreManager) writeMinuteRowsLocked(backend MinuteStoreBackend, symbol string, rows []types.MinuteSnap) error {
	for _, r := range rows {
		idx, adjusted, err := s.cal.MinuteIndex(time.Unix(r.Time, 0))
		if err != nil {
			return err
		}
		r.Time = adjusted.Unix()
		if err := backend.SetRow(symbol, idx, r); err != nil {
			return err
		}
	}
	return nil
}

// UpdateDay writes OHLC rows to the persistent day archive, grouped by ISO
// year internally.
func (s *StoreManager) UpdateDay(symbol string, rows []types.OHLC) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.array.UpdateDay(symbol, rows)
}

// UpdateOneMinute writes 1-minute OHLC rows to the persistent archive.
func (s *StoreManager) UpdateOneMinute(symbol string, rows []types.OHLC) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.array.UpdateIntraday(types.KindOneMin, symbol, rows)
}

// UpdateFiveMinute writes 5-minute OHLC rows to the persistent archive.
func (s *StoreManager) UpdateFiveMinute(symbol string, rows []types.OHLC) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.array.UpdateIntraday(types.KindFiveMin, symbol, rows)
}

// UpdateDividend writes symbol's dividend rows to the dividends namespace.
// A shape conflict with the existing value deletes before writing, matching
// the KVStore's whole-value replace semantics.
func (s *StoreManager) UpdateDividend(symbol string, rows []types.Dividend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns := s.kv.Namespace(NamespaceDividends)
	if existing, ok := ns.Get(symbol); ok {
		if old, ok := existing.([]types.Dividend); ok && len(old) != len(rows) {
			ns.Delete(symbol)
		}
	}
	ns.Set(symbol, rows)
	return nil
}

// UpdateSector writes a sector feed's mapping into the sectors namespace.
func (s *StoreManager) UpdateSector(name string, mapping map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv.Namespace(NamespaceSectors).Set(name, mapping)
	return nil
}

// GetTick returns the last accepted tick for symbol.
func (s *StoreManager) GetTick(symbol string) (types.Tick, bool) {
	v, ok := s.kv.Namespace(NamespaceTicks).Get(symbol)
	if !ok {
		return nil, false
	}
	tick, ok := v.(types.Tick)
	return tick, ok
}

// GetTicks returns every requested symbol that exists.
func (s *StoreManager) GetTicks(symbols []string) map[string]types.Tick {
	out := make(map[string]types.Tick, len(symbols))
	for _, sym := range symbols {
		if tick, ok := s.GetTick(sym); ok {
			out[sym] = tick
		}
	}
	return out
}

// GetList returns every tick whose symbol matches prefix, case-insensitive.
// An empty prefix matches everything.
func (s *StoreManager) GetList(prefix string) map[string]types.Tick {
	prefix = strings.ToUpper(prefix)
	items := s.kv.Namespace(NamespaceTicks).Items()
	out := make(map[string]types.Tick, len(items))
	for k, v := range items {
		if prefix != "" && !strings.HasPrefix(strings.ToUpper(k), prefix) {
			continue
		}
		if tick, ok := v.(types.Tick); ok {
			out[k] = tick
		}
	}
	return out
}

// AllTicks returns every tick, used by archive_minute/archive_day.
func (s *StoreManager) AllTicks() map[string]types.Tick {
	return s.GetList("")
}

// GetDayRow returns the single OHLC row for symbol on date.
func (s *StoreManager) GetDayRow(symbol string, date time.Time) (types.OHLC, error) {
	return s.array.GetDayByDate(symbol, date)
}

// GetRecentDays returns the last n daily OHLC rows for symbol.
func (s *StoreManager) GetRecentDays(symbol string, n int) ([]types.OHLC, error) {
	return s.array.GetRecentDays(symbol, n)
}

// GetOneMinute returns the 1-minute OHLC array for symbol on date.
func (s *StoreManager) GetOneMinute(symbol string, date time.Time) ([]types.OHLC, error) {
	return s.array.GetIntraday(types.KindOneMin, symbol, date)
}

// GetFiveMinute returns the 5-minute OHLC array for symbol on date.
func (s *StoreManager) GetFiveMinute(symbol string, date time.Time) ([]types.OHLC, error) {
	return s.array.GetIntraday(types.KindFiveMin, symbol, date)
}

// GetMinute returns the minute-snapshot array for symbol on the date of ts,
// or the current day's cache if ts is zero.
func (s *StoreManager) GetMinute(symbol string, ts int64) ([]types.MinuteSnap, error) {
	s.mu.Lock()
	var ref time.Time
	if ts == 0 {
		ref = time.Now()
	} else {
		ref = time.Unix(ts, 0)
	}
	backend := s.getMinuteStoreAtLocked(ref, MemoryHintAuto)
	s.mu.Unlock()
	return backend.Get(symbol)
}

// GetDividend returns symbol's dividend rows, or an empty slice if none.
func (s *StoreManager) GetDividend(symbol string) []types.Dividend {
	v, ok := s.kv.Namespace(NamespaceDividends).Get(symbol)
	if !ok {
		return nil
	}
	rows, _ := v.([]types.Dividend)
	return rows
}

// PutOpaque stores an uninterpreted payload under (namespace, key), used by
// the feed-ingress commands (put_meta, put_depth, put_trade, mput_trade)
// that carry data the store does not otherwise model.
func (s *StoreManager) PutOpaque(namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv.Namespace(namespace).Set(key, value)
	return nil
}

// GetOpaque returns a previously stored opaque payload.
func (s *StoreManager) GetOpaque(namespace, key string) ([]byte, bool) {
	v, ok := s.kv.Namespace(namespace).Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// GetSector returns the named sector mapping.
func (s *StoreManager) GetSector(name string) (map[string]string, bool) {
	v, ok := s.kv.Namespace(NamespaceSectors).Get(name)
	if !ok {
		return nil, false
	}
	mapping, ok := v.(map[string]string)
	return mapping, ok
}

// Close flushes KVStore and, since this backend keeps array datasets in
// memory until an explicit flush, the ArrayStore as well.
func (s *StoreManager) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache != nil {
		if err := s.cache.Rotate(s.array, s.logger); err != nil {
			s.logger.Warn("close: final rotate failed", zap.Error(err))
		}
		s.cache = nil
	}
	if err := s.array.Flush(); err != nil {
		return err
	}
	return s.kv.Close()
}
