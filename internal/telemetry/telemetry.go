package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEMETRY SINK - Append-only JSONL event log
// ═══════════════════════════════════════════════════════════════════════════════
//
// Single source of truth for reporting, error statistics, and audit
// reconstruction. One JSON object per line, ordered by arrival time,
// correlated by signal id / bot order id / exchange order id / position id.
//
// Emit never returns an error: telemetry must not take the pipeline down.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Correlation ties an event to the entities it concerns.
type Correlation struct {
	SignalID        int64  `json:"signal_id,omitempty"`
	BotOrderID      string `json:"bot_order_id,omitempty"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
	PositionID      string `json:"position_id,omitempty"`
	ChatID          int64  `json:"chat_id,omitempty"`
	MessageID       int    `json:"message_id,omitempty"`
}

// Event is one persisted telemetry line.
type Event struct {
	TsUTC       string         `json:"ts_utc"`
	EventType   string         `json:"event_type"`
	Level       string         `json:"level"`
	Subsystem   string         `json:"subsystem"`
	Message     string         `json:"message"`
	EventKey    string         `json:"event_key"`
	Bot         string         `json:"bot"`
	Env         string         `json:"env"`
	Correlation Correlation    `json:"correlation"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Sink appends events to a JSONL file. Safe for concurrent use.
type Sink struct {
	mu      sync.Mutex
	path    string
	botName string
	env     string
}

// redacted keys, matched case-insensitively
var secretKeys = map[string]struct{}{
	"api_key":       {},
	"secret":        {},
	"secret_key":    {},
	"signature":     {},
	"x-bx-apikey":   {},
	"authorization": {},
	"auth":          {},
	"token":         {},
	"password":      {},
	"phone_number":  {},
}

// NewSink creates the sink, ensuring the parent directory exists.
func NewSink(path, botName, env string) *Sink {
	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	return &Sink{path: path, botName: botName, env: env}
}

// Path returns the JSONL file path (used by the reporter).
func (s *Sink) Path() string {
	return s.path
}

// Emit appends one event. Best-effort: failures are logged and swallowed.
func (s *Sink) Emit(eventType, level, subsystem, message string, corr Correlation, payload map[string]any) {
	evt := Event{
		TsUTC:       time.Now().UTC().Format(time.RFC3339Nano),
		EventType:   eventType,
		Level:       strings.ToUpper(level),
		Subsystem:   subsystem,
		Message:     message,
		EventKey:    eventKey(eventType, subsystem, message, corr),
		Bot:         s.botName,
		Env:         s.env,
		Correlation: corr,
		Payload:     Redact(payload),
	}

	line, err := json.Marshal(evt)
	if err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("telemetry marshal failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warn().Err(err).Msg("telemetry append failed")
		return
	}
	defer f.Close()

	_, _ = f.Write(append(line, '\n'))
}

// eventKey is a deterministic hash used for downstream de-duplication.
func eventKey(eventType, subsystem, message string, corr Correlation) string {
	material, _ := json.Marshal(struct {
		EventType string      `json:"event_type"`
		Subsystem string      `json:"subsystem"`
		Message   string      `json:"message"`
		Corr      Correlation `json:"corr"`
	}{eventType, subsystem, message, corr})
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:])
}

// Redact recursively masks secret-bearing keys in a payload.
func Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if _, hit := secretKeys[strings.ToLower(k)]; hit {
			out[k] = redactValue(v)
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			out[k] = Redact(t)
		case []any:
			lst := make([]any, len(t))
			for i, e := range t {
				if m, ok := e.(map[string]any); ok {
					lst[i] = Redact(m)
				} else {
					lst[i] = e
				}
			}
			out[k] = lst
		default:
			out[k] = v
		}
	}
	return out
}

func redactValue(v any) any {
	s, ok := v.(string)
	if !ok || len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-2:]
}
