// Package types provides shared data shapes for the quotefeed server.
package types

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Kind identifies one of the four fixed-shape row layouts archived by the
// store. Each Kind has its own archive key namespace and row width.
type Kind string

const (
	KindDay     Kind = "day"
	KindOneMin  Kind = "1min"
	KindFiveMin Kind = "5min"
	KindMinute  Kind = "minsnap"
)

func init() {
	// Ticks round-trip through JSON to non-Go clients that expect bare
	// numeric fields, not the package's default quoted-string encoding.
	decimal.MarshalJSONWithoutQuotes = true
}

// OHLC is one bar: open/high/low/close plus volume and amount.
type OHLC struct {
	Time   int64   `json:"time"`
	Open   float32 `json:"open"`
	High   float32 `json:"high"`
	Low    float32 `json:"low"`
	Close  float32 `json:"close"`
	Volume float32 `json:"volume"`
	Amount float32 `json:"amount"`
}

// IsZero reports whether the row has never been written.
func (o OHLC) IsZero() bool { return o.Time == 0 }

// MinuteSnap is a point-in-time price/volume/amount sample on the
// one-minute grid aligned to session open.
type MinuteSnap struct {
	Time   int64   `json:"time"`
	Price  float32 `json:"price"`
	Volume float32 `json:"volume"`
	Amount float32 `json:"amount"`
}

// IsZero reports whether the row has never been written.
func (m MinuteSnap) IsZero() bool { return m.Time == 0 }

// Dividend is one dividend/split event row.
type Dividend struct {
	Time          int64   `json:"time"`
	Split         float32 `json:"split"`
	Purchase      float32 `json:"purchase"`
	PurchasePrice float32 `json:"purchase_price"`
	Dividend      float32 `json:"dividend"`
}

// Tick is a free-form snapshot of current price and derived stats for one
// symbol at one moment (symbol, name, price, open, high, low, close,
// preclose, volume, amount, timestamp, time, ...). String fields (symbol,
// name) are stored as string; numeric fields are stored as decimal.Decimal
// so the wire codec and the KVStore round-trip without float drift.
type Tick map[string]any

// Symbol returns the tick's "symbol" field, or "" if absent or non-string.
func (t Tick) Symbol() string {
	s, _ := t["symbol"].(string)
	return s
}

// Timestamp returns the tick's "timestamp" field as whole seconds, or 0 if
// absent or non-numeric.
func (t Tick) Timestamp() int64 {
	v, ok := t["timestamp"]
	if !ok {
		return 0
	}
	d, ok := v.(decimal.Decimal)
	if !ok {
		return 0
	}
	return d.IntPart()
}

// Decimal returns field key as a decimal.Decimal, the zero value if absent
// or non-numeric.
func (t Tick) Decimal(key string) decimal.Decimal {
	v, ok := t[key]
	if !ok {
		return decimal.Decimal{}
	}
	d, _ := v.(decimal.Decimal)
	return d
}

// Float returns field key as float64, 0 if absent or non-numeric.
func (t Tick) Float(key string) float64 {
	f, _ := t.Decimal(key).Float64()
	return f
}

// UnmarshalJSON decodes each field as a string or a decimal.Decimal,
// preserving the precision of numeric literals instead of widening them to
// float64 the way a plain map[string]any decode would.
func (t *Tick) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Tick, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		var d decimal.Decimal
		if err := json.Unmarshal(v, &d); err == nil {
			out[k] = d
			continue
		}
		out[k] = nil
	}
	*t = out
	return nil
}

// StatEntry tracks per-command timing: min/max/total/count in milliseconds.
type StatEntry struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Total float64 `json:"total"`
	Count int64   `json:"count"`
}

// Record folds one observed duration (milliseconds) into the entry.
func (s *StatEntry) Record(ms float64) {
	if s.Count == 0 || ms < s.Min {
		s.Min = ms
	}
	if ms > s.Max {
		s.Max = ms
	}
	s.Total += ms
	s.Count++
}
