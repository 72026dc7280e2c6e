package report

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/web3guy0/sigpilot/internal/publish"
	"github.com/web3guy0/sigpilot/internal/telemetry"
)

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) SendConfirmation(publish.OrderConfirmation) {}
func (n *fakeNotifier) SendAlert(string)                          {}

func (n *fakeNotifier) SendText(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
}

func testReporter(t *testing.T) (*Reporter, *telemetry.Sink, *fakeNotifier) {
	t.Helper()
	dir := t.TempDir()
	sink := telemetry.NewSink(filepath.Join(dir, "events.jsonl"), "test", "test")
	notifier := &fakeNotifier{}
	r := New(Config{
		EventLogPath:  sink.Path(),
		StatePath:     filepath.Join(dir, "report_state.json"),
		CheckInterval: time.Minute,
		DailyAtHour:   0,
	}, notifier)
	return r, sink, notifier
}

func TestAggregateCountsWindowedEvents(t *testing.T) {
	r, sink, _ := testReporter(t)

	sink.Emit("SIGNAL_ACCEPTED", "INFO", "INGEST", "signal persisted", telemetry.Correlation{SignalID: 1}, nil)
	sink.Emit("SIGNAL_ACCEPTED", "INFO", "INGEST", "signal persisted", telemetry.Correlation{SignalID: 2}, nil)
	sink.Emit("DUPLICATE", "INFO", "INGEST", "normalized text seen within TTL", telemetry.Correlation{}, nil)
	sink.Emit("STAGE2_ORDERS_PLACED", "INFO", "ENTRY", "dual-limit entry placed", telemetry.Correlation{SignalID: 1}, nil)
	sink.Emit("ENTRY_FILLED", "INFO", "ENTRY", "entry fully filled", telemetry.Correlation{SignalID: 1}, nil)
	sink.Emit("PYRAMID_ADD", "INFO", "PYRAMID", "scale 1 executed", telemetry.Correlation{SignalID: 1}, nil)
	sink.Emit("POSITION_CLOSED", "INFO", "LIFECYCLE", "stop filled", telemetry.Correlation{SignalID: 1},
		map[string]any{"outcome": "stop_hit"})
	sink.Emit("SIGNAL_RETRY", "WARNING", "ENTRY", "mark price: request timeout", telemetry.Correlation{SignalID: 2}, nil)

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)
	s, err := r.Aggregate(from, to)
	if err != nil {
		t.Fatal(err)
	}

	if s.SignalsAccepted != 2 || s.Duplicates != 1 {
		t.Errorf("signals = %d, dups = %d", s.SignalsAccepted, s.Duplicates)
	}
	if s.EntriesPlaced != 1 || s.EntriesFilled != 1 {
		t.Errorf("entries = %d placed / %d filled", s.EntriesPlaced, s.EntriesFilled)
	}
	if s.PyramidAdds != 1 || s.StopsHit != 1 || s.TargetsDone != 0 {
		t.Errorf("adds=%d stops=%d targets=%d", s.PyramidAdds, s.StopsHit, s.TargetsDone)
	}
	if s.ErrorsByClass["API_TIMEOUT"] != 1 {
		t.Errorf("errors = %v", s.ErrorsByClass)
	}
}

func TestAggregateExcludesOutOfWindow(t *testing.T) {
	r, sink, _ := testReporter(t)
	sink.Emit("SIGNAL_ACCEPTED", "INFO", "INGEST", "signal persisted", telemetry.Correlation{SignalID: 1}, nil)

	// Window entirely in the past.
	from := time.Now().UTC().Add(-2 * time.Hour)
	to := time.Now().UTC().Add(-time.Hour)
	s, err := r.Aggregate(from, to)
	if err != nil {
		t.Fatal(err)
	}
	if s.SignalsAccepted != 0 {
		t.Errorf("counted events outside the window: %d", s.SignalsAccepted)
	}
}

func TestAggregateMissingLogIsEmpty(t *testing.T) {
	r, _, _ := testReporter(t)
	r.cfg.EventLogPath = filepath.Join(t.TempDir(), "missing.jsonl")

	s, err := r.Aggregate(time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if s.SignalsAccepted != 0 {
		t.Error("phantom events from a missing log")
	}
}

func TestDailyReportSendsOnce(t *testing.T) {
	r, sink, notifier := testReporter(t)
	sink.Emit("SIGNAL_ACCEPTED", "INFO", "INGEST", "signal persisted", telemetry.Correlation{SignalID: 1}, nil)

	// A mid-week day so the weekly branch stays quiet.
	fixed := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	r.RunOnce()
	r.RunOnce()

	if len(notifier.texts) != 1 {
		t.Fatalf("sent %d reports, want exactly 1", len(notifier.texts))
	}
	if !strings.Contains(notifier.texts[0], "Daily report 2026-08-25") {
		t.Errorf("report title wrong: %q", notifier.texts[0])
	}
}

func TestWeeklyReportOnMonday(t *testing.T) {
	r, _, notifier := testReporter(t)

	monday := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return monday }

	r.RunOnce()

	// Daily (for Sunday) plus weekly for the prior week.
	if len(notifier.texts) != 2 {
		t.Fatalf("sent %d reports, want daily + weekly", len(notifier.texts))
	}
	foundWeekly := false
	for _, txt := range notifier.texts {
		if strings.Contains(txt, "Weekly report w/c 2026-08-17") {
			foundWeekly = true
		}
	}
	if !foundWeekly {
		t.Errorf("weekly report missing: %v", notifier.texts)
	}

	// Restart with the same state file: nothing re-sends.
	r2 := New(r.cfg, notifier)
	r2.now = func() time.Time { return monday }
	r2.RunOnce()
	if len(notifier.texts) != 2 {
		t.Errorf("reports re-sent after restart: %d", len(notifier.texts))
	}
}

func TestFormatSummary(t *testing.T) {
	s := &Summary{
		SignalsAccepted: 3,
		EntriesPlaced:   2,
		StopsHit:        1,
		ErrorsByClass:   map[string]int{"API_TIMEOUT": 2, "UNKNOWN": 1},
	}
	out := Format("Daily report 2026-08-25", s)
	for _, want := range []string{
		"Daily report 2026-08-25",
		"3 accepted",
		"2 placed",
		"1 stop hits",
		"API_TIMEOUT=2",
		"UNKNOWN=1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}
