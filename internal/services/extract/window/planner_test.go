package window

import (
	"context"
	"testing"
	"time"

	"rangefeed/internal/services/extract/domain"
)

// fakeProber returns counts from a function of the window width in hours,
// so tests can simulate a server whose density is known in advance
type fakeProber struct {
	countFor func(win domain.TimeWindow) domain.CountEstimate
	calls    int
}

func (f *fakeProber) EstimateCount(ctx context.Context, endpoint string, win domain.TimeWindow, extraParams map[string]any) (domain.CountEstimate, error) {
	f.calls++
	return f.countFor(win), nil
}

func newTestPlanner(prober domain.CountProber, ceiling int) *Planner {
	p := New(prober, ceiling)
	p.sleep = func(time.Duration) {}
	return p
}

func TestFindOptimalEndEmptyWindow(t *testing.T) {
	p := newTestPlanner(&fakeProber{countFor: func(domain.TimeWindow) domain.CountEstimate { return domain.CountEstimate{} }}, 1500)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end, err := p.FindOptimalEnd(context.Background(), "/e", start, start)
	if err != nil {
		t.Fatal(err)
	}
	if !end.Equal(start) {
		t.Fatalf("expected hardEnd returned unchanged for empty window, got %v", end)
	}
}

func TestFindOptimalEndAcceptsFullDayUnderCeiling(t *testing.T) {
	fp := &fakeProber{countFor: func(win domain.TimeWindow) domain.CountEstimate {
		// density proportional to width so a 30-day probe over threshold,
		// but a 1-day probe is comfortably under ceiling
		hours := win.To.Sub(win.From).Hours()
		return domain.CountEstimate{Value: int(hours) * 30}
	}}
	p := newTestPlanner(fp, 1500)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hardEnd := start.Add(24 * time.Hour)

	end, err := p.FindOptimalEnd(context.Background(), "/e", start, hardEnd)
	if err != nil {
		t.Fatal(err)
	}
	if !end.Equal(hardEnd) {
		t.Fatalf("expected full single day accepted (720 <= 1500), got %v", end)
	}
}

func TestFindOptimalEndSwitchesToHourGrain(t *testing.T) {
	fp := &fakeProber{countFor: func(win domain.TimeWindow) domain.CountEstimate {
		hours := win.To.Sub(win.From).Hours()
		// 3000 over the full day, linear per-hour density of 125
		return domain.CountEstimate{Value: int(hours * 125)}
	}}
	p := newTestPlanner(fp, 1500)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hardEnd := start.Add(24 * time.Hour)

	end, err := p.FindOptimalEnd(context.Background(), "/e", start, hardEnd)
	if err != nil {
		t.Fatal(err)
	}
	if !end.Before(hardEnd) {
		t.Fatalf("expected hour-grain window strictly shorter than the day, got %v", end)
	}
	width := end.Sub(start)
	if width <= 0 || width >= 24*time.Hour {
		t.Fatalf("expected sub-day accepted width, got %v", width)
	}
}

func TestFindOptimalEndAbsentFirstProbeGuaranteesProgress(t *testing.T) {
	calls := 0
	fp := &fakeProber{countFor: func(win domain.TimeWindow) domain.CountEstimate {
		calls++
		return domain.AbsentCount()
	}}
	p := newTestPlanner(fp, 1500)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hardEnd := start.Add(30 * 24 * time.Hour)

	end, err := p.FindOptimalEnd(context.Background(), "/e", start, hardEnd)
	if err != nil {
		t.Fatal(err)
	}
	if !end.Equal(start.Add(24 * time.Hour)) {
		t.Fatalf("expected start+1day on immediate absent probe, got %v", end)
	}
}

func TestFindOptimalEndCountExactlyAtCeilingAccepted(t *testing.T) {
	fp := &fakeProber{countFor: func(win domain.TimeWindow) domain.CountEstimate {
		return domain.CountEstimate{Value: 1500}
	}}
	p := newTestPlanner(fp, 1500)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hardEnd := start.Add(24 * time.Hour)

	end, err := p.FindOptimalEnd(context.Background(), "/e", start, hardEnd)
	if err != nil {
		t.Fatal(err)
	}
	if !end.Equal(hardEnd) {
		t.Fatalf("expected window at exactly the ceiling to be accepted, got %v", end)
	}
}
