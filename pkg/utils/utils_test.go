package utils

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	id := GenerateID("conn")
	if len(id) < len("conn_") {
		t.Fatalf("expected prefixed id, got %q", id)
	}
	if id[:5] != "conn_" {
		t.Errorf("expected conn_ prefix, got %q", id)
	}

	other := GenerateID("conn")
	if id == other {
		t.Error("expected distinct ids across calls")
	}
}

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		" 600000 ": "600000",
		"aapl":     "AAPL",
		"AAPL":     "AAPL",
	}
	for in, want := range cases {
		if got := NormalizeSymbol(in); got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDateKey(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	ts := time.Date(2024, 3, 5, 9, 31, 0, 0, loc)
	if got := DateKey(ts, loc); got != "20240305" {
		t.Errorf("DateKey = %q, want 20240305", got)
	}
}

func TestTimeRangeContains(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)
	tr := TimeRange{Start: start, End: end}

	if !tr.Contains(start) || !tr.Contains(end) {
		t.Error("expected range to contain both endpoints")
	}
	if tr.Contains(start.Add(-time.Minute)) {
		t.Error("expected range to exclude time before start")
	}
	if got, want := tr.Duration(), 5*time.Hour+30*time.Minute; got != want {
		t.Errorf("Duration = %v, want %v", got, want)
	}
}

func TestRetrySucceedsEventually(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	attempts := 0
	result, err := Retry(cfg, func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if result != 42 {
		t.Errorf("result = %d, want 42", result)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetryExhausted(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	_, err := Retry(cfg, func() (int, error) {
		return 0, errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
}

func TestBatchProcess(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	results, err := BatchProcess(items, 2, func(batch []int) ([]int, error) {
		out := make([]int, len(batch))
		for i, v := range batch {
			out[i] = v * 10
		}
		return out, nil
	})
	if err != nil {
		t.Fatalf("BatchProcess: %v", err)
	}
	want := []int{10, 20, 30, 40, 50}
	if len(results) != len(want) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(want))
	}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("results[%d] = %d, want %d", i, results[i], want[i])
		}
	}
}

func TestBatchProcessPropagatesError(t *testing.T) {
	_, err := BatchProcess([]int{1, 2, 3}, 1, func(batch []int) ([]int, error) {
		if batch[0] == 2 {
			return nil, errors.New("bad batch")
		}
		return batch, nil
	})
	if err == nil {
		t.Fatal("expected propagated batch error")
	}
}
