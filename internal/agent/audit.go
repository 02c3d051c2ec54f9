package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditLogger records agent interactions as optional observability, distinct
// from the mandatory C10 event journal. Adapted from the teacher's
// agents.AuditLogger/StoreAuditLogger/AuditingSpawner decorator trio.
type AuditLogger interface {
	LogPromptSent(runID, ticketID, promptName, prompt string) error
	LogResponseReceived(runID, ticketID, promptName, response string, durationMs int) error
	LogError(runID, ticketID, promptName, errMsg string) error
}

// AuditStore is the persistence surface an AuditLogger needs, matching
// db.Store's AddAuditEntry/GetConfigValue signatures.
type AuditStore interface {
	AddAuditEntry(ctx context.Context, id, runID, ticketID, agent, eventType, eventData string, tokenIn, tokenOut, durationMs int) error
	GetConfigValue(ctx context.Context, key string) (string, bool, error)
}

// StoreAuditLogger persists audit entries through a Store, honoring the
// "enable_audit_logging" config toggle.
type StoreAuditLogger struct {
	store   AuditStore
	enabled bool
}

// NewStoreAuditLogger reads "enable_audit_logging" from store at construction
// time; logging is enabled unless that value is exactly "false".
func NewStoreAuditLogger(ctx context.Context, store AuditStore) *StoreAuditLogger {
	enabled := true
	if v, ok, _ := store.GetConfigValue(ctx, "enable_audit_logging"); ok && v == "false" {
		enabled = false
	}
	return &StoreAuditLogger{store: store, enabled: enabled}
}

const maxAuditBytes = 50000

func truncateForAudit(s string) (string, bool) {
	if len(s) <= maxAuditBytes {
		return s, false
	}
	return s[:maxAuditBytes] + "\n...[truncated]", true
}

func (l *StoreAuditLogger) LogPromptSent(runID, ticketID, promptName, prompt string) error {
	if !l.enabled {
		return nil
	}
	data, _ := truncateForAudit(prompt)
	return l.store.AddAuditEntry(context.Background(), uuid.NewString(), runID, ticketID, promptName, "prompt_sent", data, 0, 0, 0)
}

func (l *StoreAuditLogger) LogResponseReceived(runID, ticketID, promptName, response string, durationMs int) error {
	if !l.enabled {
		return nil
	}
	data, truncated := truncateForAudit(response)
	payload := map[string]any{"response": data}
	if truncated {
		payload["truncated"] = true
		payload["original_length"] = len(response)
	}
	b, _ := json.Marshal(payload)
	return l.store.AddAuditEntry(context.Background(), uuid.NewString(), runID, ticketID, promptName, "response_received", string(b), 0, 0, durationMs)
}

func (l *StoreAuditLogger) LogError(runID, ticketID, promptName, errMsg string) error {
	if !l.enabled {
		return nil
	}
	return l.store.AddAuditEntry(context.Background(), uuid.NewString(), runID, ticketID, promptName, "error", errMsg, 0, 0, 0)
}

// NoOpAuditLogger discards every call; used when audit logging is disabled
// entirely rather than merely toggled off in config.
type NoOpAuditLogger struct{}

func (NoOpAuditLogger) LogPromptSent(string, string, string, string) error             { return nil }
func (NoOpAuditLogger) LogResponseReceived(string, string, string, string, int) error   { return nil }
func (NoOpAuditLogger) LogError(string, string, string, string) error                  { return nil }

// AuditingSpawner decorates a Spawner's Invoke with prompt/response/error
// audit logging, correlated by a generated run ID when the caller doesn't
// already have one persisted.
type AuditingSpawner struct {
	Inner  *Spawner
	Logger AuditLogger
}

func NewAuditingSpawner(inner *Spawner, logger AuditLogger) *AuditingSpawner {
	return &AuditingSpawner{Inner: inner, Logger: logger}
}

func (s *AuditingSpawner) Invoke(ctx context.Context, runID, ticketID, promptName string, data PromptData, workDir string, timeout time.Duration) (*Result, error) {
	return s.InvokeStreaming(ctx, runID, ticketID, promptName, data, workDir, timeout, nil)
}

// InvokeStreaming decorates Spawner.InvokeStreaming with the same
// prompt/response/error audit logging as Invoke, passing onCheckpoint
// through untouched so Spindle governance is unaffected by auditing.
func (s *AuditingSpawner) InvokeStreaming(ctx context.Context, runID, ticketID, promptName string, data PromptData, workDir string, timeout time.Duration, onCheckpoint OnCheckpoint) (*Result, error) {
	start := time.Now()
	_ = s.Logger.LogPromptSent(runID, ticketID, promptName, data.Description)

	result, err := s.Inner.InvokeStreaming(ctx, promptName, data, workDir, timeout, onCheckpoint)
	durationMs := int(time.Since(start).Milliseconds())

	if err != nil {
		_ = s.Logger.LogError(runID, ticketID, promptName, err.Error())
		return result, err
	}
	_ = s.Logger.LogResponseReceived(runID, ticketID, promptName, result.Output, durationMs)
	if !result.Success && result.Stderr != "" {
		_ = s.Logger.LogError(runID, ticketID, promptName, result.Stderr)
	}
	return result, err
}
