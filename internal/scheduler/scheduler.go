// Package scheduler runs the 1 Hz archival loop: rotating the minute cache
// into the archive during a session, synthesizing day bars at the close, and
// refreshing dividend/sector reference data once a day.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/quotefeed/internal/adapters"
	"github.com/atlas-desktop/quotefeed/internal/calendar"
	"github.com/atlas-desktop/quotefeed/internal/marketstore"
	"github.com/atlas-desktop/quotefeed/internal/metrics"
	"github.com/atlas-desktop/quotefeed/pkg/types"
)

// Scheduler owns the archive/crontab watermarks and the deferred write
// queue. It is driven by Tick, called once per second by Run.
type Scheduler struct {
	logger       *zap.Logger
	cal          *calendar.Calendar
	store        *marketstore.StoreManager
	dividendFeed adapters.DividendFeed
	sectorFeed   adapters.SectorFeed
	queue        *TaskQueue
	metrics      *metrics.Registry

	lastArchiveMinute time.Time
	lastArchiveDay    int64 // mtime value as of the last successful archive_day run
	lastCrontab       time.Time
}

// SetMetrics attaches a Prometheus registry so archive runs and mtime
// staleness are observed alongside the deferred-task queue.
func (s *Scheduler) SetMetrics(m *metrics.Registry) { s.metrics = m }

// New wires a Scheduler. A nil dividendFeed/sectorFeed is replaced with the
// no-op stand-in.
func New(logger *zap.Logger, cal *calendar.Calendar, store *marketstore.StoreManager, dividendFeed adapters.DividendFeed, sectorFeed adapters.SectorFeed) *Scheduler {
	if dividendFeed == nil {
		dividendFeed = adapters.NoopDividendFeed{}
	}
	if sectorFeed == nil {
		sectorFeed = adapters.NoopSectorFeed{}
	}
	return &Scheduler{
		logger:       logger,
		cal:          cal,
		store:        store,
		dividendFeed: dividendFeed,
		sectorFeed:   sectorFeed,
		queue:        NewTaskQueue(),
	}
}

// Queue returns the deferred-write queue, for callers that want to smear
// large write bursts (e.g. a bulk backfill command) across ticks.
func (s *Scheduler) Queue() *TaskQueue { return s.queue }

// Run drives Tick once per interval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick evaluates all three predicates against now and runs whichever
// actions are due, then drains a bounded batch of the deferred queue.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	now = now.In(s.cal.Location())

	if s.archiveMinuteDue(now) {
		if err := s.ArchiveMinute(now); err != nil {
			s.logger.Warn("archive_minute failed", zap.Error(err))
		} else {
			s.lastArchiveMinute = now
			s.recordArchiveRun("minute")
		}
	}

	if s.archiveDayDue(now) {
		if err := s.ArchiveDay(now); err != nil {
			s.logger.Warn("archive_day failed", zap.Error(err))
		} else {
			s.lastArchiveDay = s.store.Mtime()
			s.recordArchiveRun("day")
		}
	}

	if s.crontabDailyDue(now) {
		if err := s.CrontabDaily(ctx); err != nil {
			s.logger.Warn("crontab_daily failed", zap.Error(err))
		} else {
			s.lastCrontab = now
			s.recordArchiveRun("crontab")
		}
	}

	if s.metrics != nil {
		s.metrics.SetMtimeStaleness(now, s.store.Mtime())
	}

	if n := s.queue.Drain(s.logger); n > 0 {
		s.logger.Debug("drained deferred tasks", zap.Int("count", n))
	}
}

func (s *Scheduler) recordArchiveRun(kind string) {
	if s.metrics != nil {
		s.metrics.ArchiveRun(kind)
	}
}

func (s *Scheduler) archiveMinuteDue(now time.Time) bool {
	open := s.cal.OpenTime(now)
	cutoff := s.cal.CloseTime(now).Add(5 * time.Minute)
	if now.Before(open) || now.After(cutoff) {
		return false
	}
	return now.Second() == 0 || now.Sub(s.lastArchiveMinute) >= 60*time.Second
}

func (s *Scheduler) archiveDayDue(now time.Time) bool {
	if now.Before(s.cal.CloseTime(now).Add(3 * time.Minute)) {
		return false
	}
	mtime := s.store.Mtime()
	if mtime < s.cal.CloseTime(now).Unix() {
		return false
	}
	return mtime > s.lastArchiveDay
}

func (s *Scheduler) crontabDailyDue(now time.Time) bool {
	if now.Hour() != 8 || now.Minute() != 0 {
		return false
	}
	return now.Second() == 0 || now.Sub(s.lastCrontab) > 86400*time.Second
}

// ArchiveMinute rotates the minute cache into the archive, then writes one
// MinuteSnap row per non-stale tick at its compressed-axis index. A tick
// older than mtime-30min is treated as stale/suspended and skipped. It
// returns as soon as any row's index computation fails (a
// calendar.SnapshotIndexError, meaning a tick arrived before session open),
// aborting the run without updating the caller's watermark.
func (s *Scheduler) ArchiveMinute(now time.Time) error {
	if err := s.store.RotateMinuteStore(); err != nil {
		return err
	}

	mtime := s.store.Mtime()
	staleCutoff := mtime - 30*60

	for symbol, tick := range s.store.AllTicks() {
		ts := tick.Timestamp()
		if ts < staleCutoff {
			continue
		}
		row := types.MinuteSnap{
			Time:   ts,
			Price:  float32(tick.Float("price")),
			Volume: float32(tick.Float("volume")),
			Amount: float32(tick.Float("amount")),
		}
		if err := s.store.UpdateMinute(symbol, []types.MinuteSnap{row}); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveDay synthesizes one OHLC row per symbol from its latest tick,
// timestamped at local midnight of mtime's date, for every tick whose date
// matches mtime's date, and appends it to the day archive.
func (s *Scheduler) ArchiveDay(now time.Time) error {
	mtime := s.store.Mtime()
	mtimeDate := time.Unix(mtime, 0).In(s.cal.Location())
	y, m, d := mtimeDate.Date()

	for symbol, tick := range s.store.AllTicks() {
		ts := tick.Timestamp()
		tickDate := time.Unix(ts, 0).In(s.cal.Location())
		ty, tm, td := tickDate.Date()
		if ty != y || tm != m || td != d {
			continue
		}
		midnight := time.Date(y, m, d, 0, 0, 0, 0, s.cal.Location())
		row := types.OHLC{
			Time:   midnight.Unix(),
			Open:   float32(tick.Float("open")),
			High:   float32(tick.Float("high")),
			Low:    float32(tick.Float("low")),
			Close:  float32(tick.Float("price")),
			Volume: float32(tick.Float("volume")),
			Amount: float32(tick.Float("amount")),
		}
		if err := s.store.UpdateDay(symbol, []types.OHLC{row}); err != nil {
			return err
		}
	}
	return nil
}

// CrontabDaily refreshes dividend and sector reference data from their
// configured feeds.
func (s *Scheduler) CrontabDaily(ctx context.Context) error {
	divs, err := s.dividendFeed.FetchDividends(ctx)
	if err != nil {
		return err
	}
	for symbol, rows := range divs {
		if err := s.store.UpdateDividend(symbol, rows); err != nil {
			return err
		}
	}

	sectors, err := s.sectorFeed.FetchSectors(ctx)
	if err != nil {
		return err
	}
	for name, mapping := range sectors {
		if err := s.store.UpdateSector(name, mapping); err != nil {
			return err
		}
	}
	return nil
}
