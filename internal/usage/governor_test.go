package usage

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gituhq/gitu/internal/store"
)

func newTestGovernor(t *testing.T, window time.Duration, limit int64, threshold float64) (*Governor, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gitu.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewGovernor(st, window, limit, threshold), st
}

func TestCharge_Boundary(t *testing.T) {
	g, _ := newTestGovernor(t, time.Hour, 10, 0.8)

	if err := g.Charge("u1", "chat", 10); err != nil {
		t.Fatalf("charge up to the limit should pass: %v", err)
	}
	if err := g.Charge("u1", "chat", 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}

	// The denied charge must not have been recorded.
	summary, err := g.Usage("u1")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if summary.Used != 10 {
		t.Errorf("used = %d, want 10", summary.Used)
	}
}

func TestCharge_PerUserBudgets(t *testing.T) {
	g, _ := newTestGovernor(t, time.Hour, 10, 0.8)

	if err := g.Charge("u1", "chat", 10); err != nil {
		t.Fatalf("u1 charge: %v", err)
	}
	// u1 being at the ceiling says nothing about u2.
	if err := g.Charge("u2", "chat", 10); err != nil {
		t.Errorf("u2 charge: %v", err)
	}
}

func TestCharge_CustomLimit(t *testing.T) {
	g, _ := newTestGovernor(t, time.Hour, 10, 0.8)

	if err := g.SetLimit("u1", 3); err != nil {
		t.Fatalf("SetLimit: %v", err)
	}
	if err := g.Charge("u1", "tool", 3); err != nil {
		t.Fatalf("charge within custom limit: %v", err)
	}
	if err := g.Charge("u1", "tool", 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("err = %v, want ErrQuotaExceeded", err)
	}
}

func TestCharge_Concurrent_NeverOvershoots(t *testing.T) {
	g, _ := newTestGovernor(t, time.Hour, 50, 0.8)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Charge("u1", "chat", 1)
		}()
	}
	wg.Wait()

	summary, err := g.Usage("u1")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if summary.Used != 50 {
		t.Errorf("used = %d, want exactly 50", summary.Used)
	}
}

func TestThresholdAlert_OneShot(t *testing.T) {
	g, _ := newTestGovernor(t, time.Hour, 10, 0.8)

	fired, ratio, err := g.ThresholdAlert("u1")
	if err != nil {
		t.Fatalf("ThresholdAlert: %v", err)
	}
	if fired || ratio != 0 {
		t.Errorf("fired=%v ratio=%v for zero usage", fired, ratio)
	}

	if err := g.Charge("u1", "chat", 8); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	fired, ratio, err = g.ThresholdAlert("u1")
	if err != nil {
		t.Fatalf("ThresholdAlert: %v", err)
	}
	if !fired || ratio < 0.8 {
		t.Errorf("fired=%v ratio=%v, want a first alert at 0.8", fired, ratio)
	}

	// Latched: the same level does not re-fire.
	fired, _, err = g.ThresholdAlert("u1")
	if err != nil {
		t.Fatalf("ThresholdAlert: %v", err)
	}
	if fired {
		t.Error("alert should be one-shot while usage stays over the threshold")
	}
}

func TestThresholdAlert_RearmsAfterDrop(t *testing.T) {
	g, _ := newTestGovernor(t, 50*time.Millisecond, 10, 0.8)

	if err := g.Charge("u1", "chat", 9); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if fired, _, _ := g.ThresholdAlert("u1"); !fired {
		t.Fatal("expected initial alert")
	}

	// Let the charge roll out of the window.
	time.Sleep(80 * time.Millisecond)

	if fired, ratio, err := g.ThresholdAlert("u1"); err != nil || fired || ratio != 0 {
		t.Fatalf("fired=%v ratio=%v err=%v, want re-arm pass with no alert", fired, ratio, err)
	}
	// Back over the threshold fires again.
	if err := g.Charge("u1", "chat", 9); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if fired, _, _ := g.ThresholdAlert("u1"); !fired {
		t.Error("alert should re-fire after dropping below the threshold")
	}
}

func TestUsage_Summary(t *testing.T) {
	g, _ := newTestGovernor(t, 30*time.Minute, 100, 0.8)

	if err := g.Charge("u1", "chat", 5); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if err := g.Charge("u1", "tool", 2); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	summary, err := g.Usage("u1")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if summary.Used != 7 || summary.Limit != 100 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.WindowStr != "30m0s" {
		t.Errorf("window = %q", summary.WindowStr)
	}
}
