package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPDividendFeedDecodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"SH000001":[{"time":1,"split":1,"purchase":0,"purchase_price":0,"dividend":0.5}]}`))
	}))
	defer srv.Close()

	f := &HTTPDividendFeed{URL: srv.URL}
	out, err := f.FetchDividends(context.Background())
	if err != nil {
		t.Fatalf("FetchDividends: %v", err)
	}
	rows, ok := out["SH000001"]
	if !ok || len(rows) != 1 {
		t.Fatalf("got %+v", out)
	}
	if rows[0].Dividend != 0.5 {
		t.Errorf("Dividend = %v, want 0.5", rows[0].Dividend)
	}
}

func TestHTTPDividendFeedNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := &HTTPDividendFeed{URL: srv.URL}
	if _, err := f.FetchDividends(context.Background()); err == nil {
		t.Error("expected error on non-200 status")
	}
}

func TestHTTPSectorFeedDecodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Finance":{"SH600000":"Pudong Bank"}}`))
	}))
	defer srv.Close()

	f := &HTTPSectorFeed{URL: srv.URL}
	out, err := f.FetchSectors(context.Background())
	if err != nil {
		t.Fatalf("FetchSectors: %v", err)
	}
	if out["Finance"]["SH600000"] != "Pudong Bank" {
		t.Errorf("got %+v", out)
	}
}

func TestNoopFeedsReturnEmpty(t *testing.T) {
	if out, err := (NoopDividendFeed{}).FetchDividends(context.Background()); err != nil || out != nil {
		t.Errorf("got %+v, %v", out, err)
	}
	if out, err := (NoopSectorFeed{}).FetchSectors(context.Background()); err != nil || out != nil {
		t.Errorf("got %+v, %v", out, err)
	}
}
