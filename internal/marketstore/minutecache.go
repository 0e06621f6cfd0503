package marketstore

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/quotefeed/pkg/types"
)

// MinuteStoreBackend is the subset of ArrayStore's minute-slice interface
// shared by the in-memory write-hot cache and the persistent archive, so
// StoreManager can hand either one to a reader without it knowing which.
type MinuteStoreBackend interface {
	Date() time.Time
	Get(symbol string) ([]types.MinuteSnap, error)
	SetRow(symbol string, idx int, row types.MinuteSnap) error
	Delete(symbol string) error
	Symbols() []string
}

// MinuteCache is the in-memory mirror of the current trading day's minute
// snapshot namespace. Minute-snapshot writes during an active session are
// very write-hot; keeping them in memory and batching to the archive on
// day boundary avoids thrashing the array file.
type MinuteCache struct {
	mu    sync.RWMutex
	date  time.Time
	shape int
	data  map[string][]types.MinuteSnap
}

// NewMinuteCache creates an empty cache for date, with shape rows per
// symbol (the calendar's SessionMinutes).
func NewMinuteCache(date time.Time, shape int) *MinuteCache {
	return &MinuteCache{
		date:  date,
		shape: shape,
		data:  make(map[string][]types.MinuteSnap),
	}
}

func (c *MinuteCache) Date() time.Time { return c.date }

func (c *MinuteCache) createLocked(symbol string) []types.MinuteSnap {
	rows, ok := c.data[symbol]
	if !ok {
		rows = make([]types.MinuteSnap, c.shape)
		c.data[symbol] = rows
	}
	return rows
}

// Get returns symbol's full minute array, or NotFound if never written.
func (c *MinuteCache) Get(symbol string) ([]types.MinuteSnap, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rows, ok := c.data[symbol]
	if !ok {
		return nil, NotFoundf("no minute cache entry for %s", symbol)
	}
	out := make([]types.MinuteSnap, len(rows))
	copy(out, rows)
	return out, nil
}

// SetRow writes one row at idx, creating the symbol's dataset on first use.
func (c *MinuteCache) SetRow(symbol string, idx int, row types.MinuteSnap) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := c.createLocked(symbol)
	if idx < 0 || idx >= len(rows) {
		return BadRequestf("minute cache index %d out of range for %s", idx, symbol)
	}
	rows[idx] = row
	return nil
}

// Delete removes symbol's entry entirely.
func (c *MinuteCache) Delete(symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, symbol)
	return nil
}

// Symbols returns every symbol currently held.
func (c *MinuteCache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	symbols := make([]string, 0, len(c.data))
	for s := range c.data {
		symbols = append(symbols, s)
	}
	return symbols
}

// Rotate promotes every symbol's array into dest (the persistent archive)
// and empties the cache. Per-symbol failures are logged and skipped rather
// than aborting the whole rotation, matching the source's tolerance for
// partial, recoverable corruption during rotation.
func (c *MinuteCache) Rotate(dest ArrayStore, logger *zap.Logger) error {
	for _, symbol := range c.Symbols() {
		rows, err := c.Get(symbol)
		if err != nil {
			logger.Warn("rotate: read cache entry failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		nonZero := make([]types.MinuteSnap, 0, len(rows))
		for _, r := range rows {
			if !r.IsZero() {
				nonZero = append(nonZero, r)
			}
		}
		if len(nonZero) == 0 {
			c.Delete(symbol)
			continue
		}
		if err := dest.UpdateMinute(symbol, nonZero); err != nil {
			logger.Warn("rotate: archive write failed, leaving in cache", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		c.Delete(symbol)
	}
	return dest.Flush()
}

// fileMinuteStore adapts FileArrayStore's minute archive to
// MinuteStoreBackend for a fixed historical date.
type fileMinuteStore struct {
	store ArrayStore
	date  time.Time
}

func (f *fileMinuteStore) Date() time.Time { return f.date }

func (f *fileMinuteStore) Get(symbol string) ([]types.MinuteSnap, error) {
	return f.store.GetMinute(symbol, f.date)
}

func (f *fileMinuteStore) SetRow(symbol string, idx int, row types.MinuteSnap) error {
	return f.store.UpdateMinute(symbol, []types.MinuteSnap{row})
}

func (f *fileMinuteStore) Delete(symbol string) error {
	return f.store.Drop(types.KindMinute, symbol, yyyymmdd(f.date))
}

func (f *fileMinuteStore) Symbols() []string { return nil }
