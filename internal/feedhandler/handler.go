// Package feedhandler dispatches parsed wire.Command values to the store,
// implementing every command contract of the request/reply protocol.
package feedhandler

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/quotefeed/internal/calendar"
	"github.com/atlas-desktop/quotefeed/internal/marketstore"
	"github.com/atlas-desktop/quotefeed/internal/metrics"
	"github.com/atlas-desktop/quotefeed/internal/scheduler"
	"github.com/atlas-desktop/quotefeed/internal/wire"
	"github.com/atlas-desktop/quotefeed/pkg/types"
)

// ConnState is the per-connection state the protocol's auth gate and
// deprecation-warning-once behavior need. The feedserver owns one instance
// per connection and passes it into every Execute call.
type ConnState struct {
	ID            string
	Authenticated bool
	warned        map[string]bool
}

// NewConnState returns a fresh, unauthenticated connection state.
func NewConnState(id string) *ConnState {
	return &ConnState{ID: id, warned: make(map[string]bool)}
}

func (c *ConnState) warnOnce(name string) bool {
	if c.warned[name] {
		return false
	}
	c.warned[name] = true
	return true
}

// Handler dispatches every command name the protocol documents. It is
// shared across connections; all per-connection state lives in ConnState.
type Handler struct {
	logger       *zap.Logger
	store        *marketstore.StoreManager
	scheduler    *scheduler.Scheduler
	cal          *calendar.Calendar
	authPassword string
	stats        *Stats
	metrics      *metrics.Registry
}

// New builds a Handler. An empty authPassword disables the auth gate.
func New(logger *zap.Logger, store *marketstore.StoreManager, sched *scheduler.Scheduler, cal *calendar.Calendar, authPassword string) *Handler {
	return &Handler{
		logger:       logger,
		store:        store,
		scheduler:    sched,
		cal:          cal,
		authPassword: authPassword,
		stats:        NewStats(),
	}
}

// SetMetrics attaches a Prometheus registry so every command's latency and
// error outcome are observed in addition to the get_stats wire command.
func (h *Handler) SetMetrics(m *metrics.Registry) { h.metrics = m }

// Execute dispatches one parsed command, writing exactly one reply (unless
// the command errors at the framing layer before any reply is attempted).
func (h *Handler) Execute(conn *ConnState, cmd *wire.Command, w *wire.Writer) (err error) {
	start := time.Now()
	name := cmd.Name()
	defer func() {
		d := time.Since(start)
		h.stats.Record(name, d)
		if h.metrics != nil {
			h.metrics.ObserveCommand(name, d, err)
		}
	}()

	if h.authPassword != "" && !conn.Authenticated && name != "auth" {
		return w.WriteError("operation not permitted")
	}

	switch name {
	case "auth":
		return h.handleAuth(conn, cmd, w)
	case "get_mtime":
		return w.WriteInt(h.store.Mtime())
	case "get_last_quote_time":
		if conn.warnOnce(name) {
			h.logger.Warn("deprecated command used", zap.String("command", name), zap.String("conn", conn.ID))
		}
		return w.WriteInt(h.store.LastQuoteTime())
	case "get_list":
		return h.handleGetList(cmd, w)
	case "get_tick":
		return h.handleGetTick(cmd, w)
	case "get_report":
		if conn.warnOnce(name) {
			h.logger.Warn("deprecated command used", zap.String("command", name), zap.String("conn", conn.ID))
		}
		return h.handleGetTick(cmd, w)
	case "get_ticks":
		return h.handleGetTicks(cmd, w)
	case "get_reports":
		if conn.warnOnce(name) {
			h.logger.Warn("deprecated command used", zap.String("command", name), zap.String("conn", conn.ID))
		}
		return h.handleGetTicks(cmd, w)
	case "get_minute":
		return h.handleGetMinute(cmd, w)
	case "get_1minute":
		return h.handleGetIntraday(types.KindOneMin, cmd, w)
	case "get_5minute":
		return h.handleGetIntraday(types.KindFiveMin, cmd, w)
	case "get_day":
		return h.handleGetDay(cmd, w)
	case "get_dividend":
		return h.handleGetDividend(cmd, w)
	case "get_sector":
		return h.handleGetSector(cmd, w)
	case "get_stats":
		return h.handleGetStats(cmd, w)
	case "put_ticks":
		return h.handlePutTicks(cmd, w)
	case "put_reports":
		if conn.warnOnce(name) {
			h.logger.Warn("deprecated command used", zap.String("command", name), zap.String("conn", conn.ID))
		}
		return h.handlePutTicks(cmd, w)
	case "put_tick":
		return h.handlePutTick(cmd, w)
	case "put_minute":
		return h.handlePutMinute(cmd, w)
	case "put_1minute":
		return h.handlePutIntraday(types.KindOneMin, cmd, w)
	case "put_5minute":
		return h.handlePutIntraday(types.KindFiveMin, cmd, w)
	case "put_day":
		return h.handlePutDay(cmd, w)
	case "put_meta":
		return h.handleOpaquePut("meta", cmd, w)
	case "put_depth":
		return h.handleOpaquePut("depth", cmd, w)
	case "put_trade", "mput_trade":
		return h.handleOpaquePut("trade", cmd, w)
	case "archive_minute":
		if err := h.scheduler.ArchiveMinute(time.Now()); err != nil {
			return h.writeErr(w, err)
		}
		return w.WriteOK()
	case "archive_day":
		if err := h.scheduler.ArchiveDay(time.Now()); err != nil {
			return h.writeErr(w, err)
		}
		return w.WriteOK()
	default:
		// Explicit "ERR " tag: WriteError would otherwise take the upper-case
		// first word as the error tag and drop the ERR prefix.
		return w.WriteError("ERR UNKNOWN COMMAND")
	}
}

func (h *Handler) handleAuth(conn *ConnState, cmd *wire.Command, w *wire.Writer) error {
	if len(cmd.Args) < 2 {
		return w.WriteError("wrong number of arguments")
	}
	password := string(cmd.Args[1])
	if password != h.authPassword {
		return w.WriteError("invalid password")
	}
	conn.Authenticated = true
	return w.WriteOK()
}

func (h *Handler) handleGetList(cmd *wire.Command, w *wire.Writer) error {
	if len(cmd.Args) < 2 {
		return w.WriteError("wrong number of arguments")
	}
	prefix := string(cmd.Args[1])
	ticks := h.store.GetList(prefix)
	data, err := wire.EncodeJSON(ticks)
	if err != nil {
		return w.WriteError("internal error")
	}
	return w.WriteBulk(data)
}

func (h *Handler) handleGetTick(cmd *wire.Command, w *wire.Writer) error {
	if len(cmd.Args) < 2 {
		return w.WriteError("wrong number of arguments")
	}
	symbol := string(cmd.Args[1])
	tick, ok := h.store.GetTick(symbol)
	if !ok {
		return w.WriteError(fmt.Sprintf("Symbol %s not exists.", symbol))
	}
	data, err := wire.EncodeJSON(tick)
	if err != nil {
		return w.WriteError("internal error")
	}
	return w.WriteBulk(data)
}

func (h *Handler) handleGetTicks(cmd *wire.Command, w *wire.Writer) error {
	if len(cmd.Args) < 2 {
		return w.WriteError("wrong number of arguments")
	}
	symbols := make([]string, 0, len(cmd.Args)-2)
	for _, a := range cmd.Args[1 : len(cmd.Args)-1] {
		symbols = append(symbols, string(a))
	}
	ticks := h.store.GetTicks(symbols)
	data, err := wire.EncodeJSON(ticks)
	if err != nil {
		return w.WriteError("internal error")
	}
	return w.WriteBulk(data)
}

func (h *Handler) handleGetMinute(cmd *wire.Command, w *wire.Writer) error {
	if len(cmd.Args) < 4 {
		return w.WriteError("wrong number of arguments")
	}
	symbol := string(cmd.Args[1])
	ts, err := strconv.ParseInt(string(cmd.Args[2]), 10, 64)
	if err != nil {
		return w.WriteError("invalid timestamp")
	}
	rows, err := h.store.GetMinute(symbol, ts)
	if err != nil {
		return h.writeErr(w, err)
	}
	return h.writeMinuteRows(w, cmd.FormatTag(), rows)
}

func (h *Handler) handleGetIntraday(kind types.Kind, cmd *wire.Command, w *wire.Writer) error {
	if len(cmd.Args) < 4 {
		return w.WriteError("wrong number of arguments")
	}
	symbol := string(cmd.Args[1])
	date, ok := h.parseYYYYMMDD(string(cmd.Args[2]))
	if !ok {
		return w.WriteError("invalid date")
	}
	var rows []types.OHLC
	var err error
	if kind == types.KindFiveMin {
		rows, err = h.store.GetFiveMinute(symbol, date)
	} else {
		rows, err = h.store.GetOneMinute(symbol, date)
	}
	if err != nil {
		return h.writeErr(w, err)
	}
	return h.writeOHLCRows(w, cmd.FormatTag(), rows)
}

func (h *Handler) handleGetDay(cmd *wire.Command, w *wire.Writer) error {
	if len(cmd.Args) < 4 {
		return w.WriteError("wrong number of arguments")
	}
	symbol := string(cmd.Args[1])
	selector := string(cmd.Args[2])
	format := cmd.FormatTag()

	if date, ok := h.parseYYYYMMDD(selector); ok {
		row, err := h.store.GetDayRow(symbol, date)
		if err != nil {
			return h.writeErr(w, err)
		}
		return h.writeOHLCRows(w, format, []types.OHLC{row})
	}

	n, err := strconv.Atoi(selector)
	if err != nil {
		return w.WriteError("invalid date or count")
	}
	rows, err := h.store.GetRecentDays(symbol, n)
	if err != nil {
		return h.writeErr(w, err)
	}
	return h.writeOHLCRows(w, format, rows)
}

func (h *Handler) handleGetDividend(cmd *wire.Command, w *wire.Writer) error {
	if len(cmd.Args) < 3 {
		return w.WriteError("wrong number of arguments")
	}
	symbol := string(cmd.Args[1])
	rows := h.store.GetDividend(symbol)
	return h.writeDividendRows(w, cmd.FormatTag(), rows)
}

func (h *Handler) handleGetSector(cmd *wire.Command, w *wire.Writer) error {
	if len(cmd.Args) < 3 {
		return w.WriteError("wrong number of arguments")
	}
	name := string(cmd.Args[1])
	mapping, ok := h.store.GetSector(name)
	if !ok {
		return w.WriteError("No data.")
	}
	data, err := wire.EncodeJSON(mapping)
	if err != nil {
		return w.WriteError("internal error")
	}
	return w.WriteBulk(data)
}

func (h *Handler) handleGetStats(cmd *wire.Command, w *wire.Writer) error {
	data, err := wire.EncodeJSON(h.stats.Snapshot())
	if err != nil {
		return w.WriteError("internal error")
	}
	return w.WriteBulk(data)
}

func (h *Handler) handlePutTicks(cmd *wire.Command, w *wire.Writer) error {
	if len(cmd.Args) < 3 {
		return w.WriteError("wrong number of arguments")
	}
	raw, err := wire.DecodeZip(cmd.Args[1])
	if err != nil {
		return w.WriteError("wrong data format")
	}
	var ticks map[string]types.Tick
	if err := wire.DecodeJSON(raw, &ticks); err != nil {
		return w.WriteError("wrong data format")
	}
	for symbol, tick := range ticks {
		if tick.Symbol() == "" {
			tick["symbol"] = symbol
		}
		if err := h.store.UpdateTick(tick); err != nil {
			h.logger.Warn("put_ticks: skipping entry", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	return w.WriteOK()
}

func (h *Handler) handlePutTick(cmd *wire.Command, w *wire.Writer) error {
	if len(cmd.Args) < 5 {
		return w.WriteError("wrong number of arguments")
	}
	symbol := string(cmd.Args[1])
	tsArg := string(cmd.Args[2])
	raw, err := wire.DecodeZip(cmd.Args[3])
	if err != nil {
		return w.WriteError("wrong data format")
	}
	var tick types.Tick
	if err := wire.DecodeJSON(raw, &tick); err != nil {
		return w.WriteError("wrong data format")
	}
	if tick.Symbol() == "" {
		tick["symbol"] = symbol
	}
	if tick.Timestamp() == 0 {
		if ts, err := strconv.ParseInt(tsArg, 10, 64); err == nil {
			tick["timestamp"] = decimal.NewFromInt(ts)
		}
	}
	if err := h.store.UpdateTick(tick); err != nil {
		return h.writeErr(w, err)
	}
	return w.WriteOK()
}

func (h *Handler) handlePutMinute(cmd *wire.Command, w *wire.Writer) error {
	if len(cmd.Args) < 4 {
		return w.WriteError("wrong number of arguments")
	}
	symbol := string(cmd.Args[1])
	rows, err := wire.DecodeNpyMinuteSnap(cmd.Args[2])
	if err != nil {
		return w.WriteError("wrong data format")
	}
	if err := h.store.UpdateMinute(symbol, rows); err != nil {
		return h.writeErr(w, err)
	}
	return w.WriteOK()
}

func (h *Handler) handlePutIntraday(kind types.Kind, cmd *wire.Command, w *wire.Writer) error {
	if len(cmd.Args) < 4 {
		return w.WriteError("wrong number of arguments")
	}
	symbol := string(cmd.Args[1])
	rows, err := wire.DecodeNpyOHLC(cmd.Args[2])
	if err != nil {
		return w.WriteError("wrong data format")
	}
	if kind == types.KindFiveMin {
		err = h.store.UpdateFiveMinute(symbol, rows)
	} else {
		err = h.store.UpdateOneMinute(symbol, rows)
	}
	if err != nil {
		return h.writeErr(w, err)
	}
	return w.WriteOK()
}

func (h *Handler) handlePutDay(cmd *wire.Command, w *wire.Writer) error {
	if len(cmd.Args) < 4 {
		return w.WriteError("wrong number of arguments")
	}
	symbol := string(cmd.Args[1])
	rows, err := wire.DecodeNpyOHLC(cmd.Args[2])
	if err != nil {
		return w.WriteError("wrong data format")
	}
	if err := h.store.UpdateDay(symbol, rows); err != nil {
		return h.writeErr(w, err)
	}
	return w.WriteOK()
}

// handleOpaquePut backs put_meta/put_depth/put_trade/mput_trade: none of
// these carry a row shape the store models, so the payload is kept verbatim
// under a namespace named for the command and a key derived from the
// symbol (and, if present, a timestamp argument).
func (h *Handler) handleOpaquePut(namespace string, cmd *wire.Command, w *wire.Writer) error {
	if len(cmd.Args) < 4 {
		return w.WriteError("wrong number of arguments")
	}
	symbol := string(cmd.Args[1])
	payload := cmd.Args[len(cmd.Args)-2]
	key := symbol
	if len(cmd.Args) == 5 {
		key = symbol + "/" + string(cmd.Args[2])
	}
	if err := h.store.PutOpaque(namespace, key, payload); err != nil {
		return h.writeErr(w, err)
	}
	return w.WriteOK()
}

func (h *Handler) writeOHLCRows(w *wire.Writer, format string, rows []types.OHLC) error {
	switch wire.Format(format) {
	case wire.FormatNpy:
		return w.WriteBulk(wire.EncodeNpyOHLC(rows))
	case wire.FormatJSON:
		data, err := wire.EncodeJSON(rows)
		if err != nil {
			return w.WriteError("internal error")
		}
		return w.WriteBulk(data)
	default:
		return w.WriteError("unsupported format")
	}
}

func (h *Handler) writeMinuteRows(w *wire.Writer, format string, rows []types.MinuteSnap) error {
	switch wire.Format(format) {
	case wire.FormatNpy:
		return w.WriteBulk(wire.EncodeNpyMinuteSnap(rows))
	case wire.FormatJSON:
		data, err := wire.EncodeJSON(rows)
		if err != nil {
			return w.WriteError("internal error")
		}
		return w.WriteBulk(data)
	default:
		return w.WriteError("unsupported format")
	}
}

func (h *Handler) writeDividendRows(w *wire.Writer, format string, rows []types.Dividend) error {
	switch wire.Format(format) {
	case wire.FormatNpy:
		return w.WriteBulk(wire.EncodeNpyDividend(rows))
	case wire.FormatJSON:
		data, err := wire.EncodeJSON(rows)
		if err != nil {
			return w.WriteError("internal error")
		}
		return w.WriteBulk(data)
	default:
		return w.WriteError("unsupported format")
	}
}

// writeErr maps a store error to the wire reply its Kind documents, logging
// unexpected or fatal errors at the appropriate level.
func (h *Handler) writeErr(w *wire.Writer, err error) error {
	var snapErr *calendar.SnapshotIndexError
	if errors.As(err, &snapErr) {
		h.logger.Warn("snapshot index error", zap.Error(err))
		return w.WriteError("No data.")
	}

	var sErr *marketstore.Error
	if errors.As(err, &sErr) {
		switch sErr.Kind {
		case marketstore.KindNotFound:
			return w.WriteError(sErr.Message)
		case marketstore.KindBadRequest:
			return w.WriteError(sErr.Message)
		case marketstore.KindPayloadCorrupt:
			return w.WriteError("wrong data format")
		case marketstore.KindUnauthorized:
			return w.WriteError("operation not permitted")
		case marketstore.KindFatal:
			h.logger.Error("fatal store error", zap.Error(err))
			return w.WriteError("internal error")
		default:
			return w.WriteError(sErr.Message)
		}
	}

	h.logger.Warn("unexpected handler error", zap.Error(err))
	return w.WriteError("internal error")
}

func (h *Handler) parseYYYYMMDD(s string) (time.Time, bool) {
	t, err := time.ParseInLocation("20060102", s, h.cal.Location())
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
