// Package adapters defines the interfaces quotefeed uses to pull dividend
// and sector reference data, and to receive pushed tick/depth/trade data
// from upstream collaborators. Deep adapter design is out of scope for this
// repository; these are thin interfaces plus minimal stand-ins so the
// scheduler and feedserver have something concrete to depend on.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/atlas-desktop/quotefeed/pkg/types"
	"github.com/atlas-desktop/quotefeed/pkg/utils"
)

// DividendFeed supplies the dividend rows crontab_daily writes into the
// dividends namespace, keyed by symbol.
type DividendFeed interface {
	FetchDividends(ctx context.Context) (map[string][]types.Dividend, error)
}

// SectorFeed supplies sector membership mappings, keyed by sector name.
type SectorFeed interface {
	FetchSectors(ctx context.Context) (map[string]map[string]string, error)
}

// TickFeed represents an upstream pusher of tick data. quotefeed's actual
// ingestion path is the wire protocol's put_tick/put_ticks commands; this
// interface exists so an in-process adapter could also feed the store
// directly, but no production implementation lives in this repository.
type TickFeed interface {
	Ticks(ctx context.Context) (<-chan types.Tick, error)
}

// HTTPDividendFeed fetches a dividend snapshot from a JSON HTTP endpoint.
type HTTPDividendFeed struct {
	URL    string
	Client *http.Client
}

// FetchDividends GETs URL and decodes a {symbol: [dividend...]} document,
// retrying transient failures with backoff.
func (f *HTTPDividendFeed) FetchDividends(ctx context.Context) (map[string][]types.Dividend, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	return utils.Retry(utils.DefaultRetryConfig(), func() (map[string][]types.Dividend, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("adapters: build dividend request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("adapters: fetch dividends: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("adapters: dividend feed returned %s", resp.Status)
		}
		var out map[string][]types.Dividend
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("adapters: decode dividend feed: %w", err)
		}
		return out, nil
	})
}

// HTTPSectorFeed fetches a sector-mapping snapshot from a JSON HTTP endpoint.
type HTTPSectorFeed struct {
	URL    string
	Client *http.Client
}

// FetchSectors GETs URL and decodes a {sector: {symbol: name}} document,
// retrying transient failures with backoff.
func (f *HTTPSectorFeed) FetchSectors(ctx context.Context) (map[string]map[string]string, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	return utils.Retry(utils.DefaultRetryConfig(), func() (map[string]map[string]string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("adapters: build sector request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("adapters: fetch sectors: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("adapters: sector feed returned %s", resp.Status)
		}
		var out map[string]map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("adapters: decode sector feed: %w", err)
		}
		return out, nil
	})
}

// NoopDividendFeed is used when no dividend feed URL is configured.
type NoopDividendFeed struct{}

// FetchDividends always returns an empty result.
func (NoopDividendFeed) FetchDividends(ctx context.Context) (map[string][]types.Dividend, error) {
	return nil, nil
}

// NoopSectorFeed is used when no sector feed URL is configured.
type NoopSectorFeed struct{}

// FetchSectors always returns an empty result.
func (NoopSectorFeed) FetchSectors(ctx context.Context) (map[string]map[string]string, error) {
	return nil, nil
}
