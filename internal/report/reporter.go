package report

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sigpilot/internal/publish"
	"github.com/web3guy0/sigpilot/internal/telemetry"
	"github.com/web3guy0/sigpilot/internal/watchdog"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REPORTER - daily and weekly summaries from the telemetry log
// ═══════════════════════════════════════════════════════════════════════════════
//
// Replays the JSONL event log over local-time windows and posts a compact
// summary to the operator channel. Last-sent markers persist in a small
// state file so restarts never double-send.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config carries the reporter tunables.
type Config struct {
	EventLogPath  string
	StatePath     string
	CheckInterval time.Duration
	DailyAtHour   int // local hour the daily report covers through
}

// markers are the persisted last-sent dates.
type markers struct {
	LastDaily  string `json:"last_daily"`  // YYYY-MM-DD
	LastWeekly string `json:"last_weekly"` // YYYY-MM-DD of the ISO week's monday
}

// Summary aggregates one window of events.
type Summary struct {
	From, To time.Time

	SignalsAccepted int
	SignalsRejected int
	Duplicates      int
	NonSignals      int

	EntriesPlaced   int
	EntriesFilled   int
	EntriesExpired  int
	PyramidAdds     int
	HedgesOpened    int
	Reentries       int
	StopsHit        int
	TargetsDone     int

	ErrorsByClass map[string]int
}

type Reporter struct {
	cfg      Config
	notifier publish.Notifier

	now  func() time.Time
	wg   sync.WaitGroup
	stop chan struct{}
}

func New(cfg Config, notifier publish.Notifier) *Reporter {
	return &Reporter{cfg: cfg, notifier: notifier, now: time.Now, stop: make(chan struct{})}
}

func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.RunOnce()
			}
		}
	}()
	log.Info().Msg("📊 Reporter started")
}

func (r *Reporter) Stop() {
	close(r.stop)
	r.wg.Wait()
}

// RunOnce sends any report whose window has closed and was not yet sent.
func (r *Reporter) RunOnce() {
	m := r.loadMarkers()
	now := r.now()

	// Daily: covers yesterday, sent after the configured local hour.
	if now.Hour() >= r.cfg.DailyAtHour {
		day := now.AddDate(0, 0, -1)
		key := day.Format("2006-01-02")
		if m.LastDaily != key {
			from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, now.Location())
			summary, err := r.Aggregate(from, from.AddDate(0, 0, 1))
			if err == nil {
				r.notifier.SendText(Format("Daily report "+key, summary))
				m.LastDaily = key
				r.saveMarkers(m)
				log.Info().Str("day", key).Msg("📊 Daily report sent")
			}
		}
	}

	// Weekly: covers the previous ISO week, sent on Mondays.
	if now.Weekday() == time.Monday && now.Hour() >= r.cfg.DailyAtHour {
		monday := startOfWeek(now).AddDate(0, 0, -7)
		key := monday.Format("2006-01-02")
		if m.LastWeekly != key {
			summary, err := r.Aggregate(monday, monday.AddDate(0, 0, 7))
			if err == nil {
				r.notifier.SendText(Format("Weekly report w/c "+key, summary))
				m.LastWeekly = key
				r.saveMarkers(m)
				log.Info().Str("week", key).Msg("📊 Weekly report sent")
			}
		}
	}
}

// Aggregate replays the event log over [from, to).
func (r *Reporter) Aggregate(from, to time.Time) (*Summary, error) {
	f, err := os.Open(r.cfg.EventLogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Summary{From: from, To: to, ErrorsByClass: map[string]int{}}, nil
		}
		return nil, err
	}
	defer f.Close()

	summary := &Summary{From: from, To: to, ErrorsByClass: map[string]int{}}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	for scanner.Scan() {
		var evt telemetry.Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, evt.TsUTC)
		if err != nil {
			continue
		}
		if ts.Before(from) || !ts.Before(to) {
			continue
		}

		switch evt.EventType {
		case "SIGNAL_ACCEPTED":
			summary.SignalsAccepted++
		case "SIGNAL_REJECTED":
			summary.SignalsRejected++
		case "DUPLICATE":
			summary.Duplicates++
		case "NON_SIGNAL":
			summary.NonSignals++
		case "STAGE2_ORDERS_PLACED":
			summary.EntriesPlaced++
		case "ENTRY_FILLED":
			summary.EntriesFilled++
		case "ENTRY_EXPIRED", "MAINT_ENTRY_REAPED":
			summary.EntriesExpired++
		case "PYRAMID_ADD":
			summary.PyramidAdds++
		case "HEDGE_OPENED":
			summary.HedgesOpened++
		case "REENTRY_PLACED":
			summary.Reentries++
		case "POSITION_CLOSED":
			if outcome, ok := evt.Payload["outcome"].(string); ok {
				switch outcome {
				case "stop_hit":
					summary.StopsHit++
				case "targets_done":
					summary.TargetsDone++
				}
			}
		}

		if evt.Level == "ERROR" || evt.Level == "WARNING" {
			class := watchdog.ClassifyError(evt.Subsystem, evt.Message)
			summary.ErrorsByClass[class]++
		}
	}
	return summary, scanner.Err()
}

// Format renders one summary block for the operator channel.
func Format(title string, s *Summary) string {
	var sb strings.Builder
	sb.WriteString("📊 " + title + "\n")
	sb.WriteString(fmt.Sprintf("Signals: %d accepted, %d rejected, %d duplicates, %d non-signals\n",
		s.SignalsAccepted, s.SignalsRejected, s.Duplicates, s.NonSignals))
	sb.WriteString(fmt.Sprintf("Entries: %d placed, %d filled, %d expired\n",
		s.EntriesPlaced, s.EntriesFilled, s.EntriesExpired))
	sb.WriteString(fmt.Sprintf("Exits: %d stop hits, %d full target runs\n", s.StopsHit, s.TargetsDone))
	sb.WriteString(fmt.Sprintf("Pyramids: %d | Hedges: %d | Re-entries: %d\n",
		s.PyramidAdds, s.HedgesOpened, s.Reentries))

	if len(s.ErrorsByClass) > 0 {
		classes := make([]string, 0, len(s.ErrorsByClass))
		for c := range s.ErrorsByClass {
			classes = append(classes, c)
		}
		sort.Strings(classes)
		sb.WriteString("Errors:")
		for _, c := range classes {
			sb.WriteString(fmt.Sprintf(" %s=%d", c, s.ErrorsByClass[c]))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (r *Reporter) loadMarkers() markers {
	var m markers
	data, err := os.ReadFile(r.cfg.StatePath)
	if err != nil {
		return m
	}
	_ = json.Unmarshal(data, &m)
	return m
}

func (r *Reporter) saveMarkers(m markers) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	if dir := filepath.Dir(r.cfg.StatePath); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	if err := os.WriteFile(r.cfg.StatePath, data, 0o644); err != nil {
		log.Warn().Err(err).Msg("⚠️ Report state write failed")
	}
}

// startOfWeek returns local midnight on the Monday of now's week.
func startOfWeek(now time.Time) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}
