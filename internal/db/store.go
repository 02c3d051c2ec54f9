package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loom/internal/model"
)

// Store is the SQLite-backed persistence layer for Project/Ticket/Run/
// RunStep, grounded in the teacher's internal/db/store.go pattern of
// JSON-marshaled columns + scan helpers, adapted to the specification's
// entities.
type Store struct {
	db *DB
}

// NewStore wraps db in a Store.
func NewStore(db *DB) *Store { return &Store{db: db} }

// WithinNewTransaction runs fn with ctx annotated so every Store call fn
// makes participates in one transaction (or a nested savepoint, if ctx
// already carries one).
func (s *Store) WithinNewTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.WithTransaction(ctx, func(ctx context.Context, _ *Tx) error {
		return fn(ctx)
	})
}

// EnsureProject returns the Project for rootPath, creating it if absent.
func (s *Store) EnsureProject(ctx context.Context, rootPath, name string) (*model.Project, error) {
	rows, err := s.db.conn(ctx).Query(ctx, `SELECT id, name, root_path, allowed_remote, created_at FROM projects WHERE root_path = $1`, rootPath)
	if err != nil {
		return nil, err
	}
	if len(rows.Data) > 0 {
		return scanProject(rows.Data[0]), nil
	}

	p := &model.Project{ID: uuid.NewString(), Name: name, RootPath: rootPath, CreatedAt: time.Now()}
	_, err = s.db.conn(ctx).Exec(ctx, `INSERT INTO projects (id, name, root_path, created_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.Name, p.RootPath, p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func scanProject(row []any) *model.Project {
	p := &model.Project{
		ID:       toString(row[0]),
		Name:     toString(row[1]),
		RootPath: toString(row[2]),
	}
	if row[3] != nil {
		p.AllowedRemote = toString(row[3])
	}
	p.CreatedAt = toTime(row[4])
	return p
}

// CreateTicket inserts a new ticket.
func (s *Store) CreateTicket(ctx context.Context, t *model.Ticket) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	meta, _ := json.Marshal(t.Metadata)
	allowed, _ := json.Marshal(t.AllowedPaths)
	forbidden, _ := json.Marshal(t.ForbiddenPaths)
	verify, _ := json.Marshal(t.VerificationCommands)

	_, err := s.db.conn(ctx).Exec(ctx, `
		INSERT INTO tickets (id, project_id, title, description, status, priority, category,
			allowed_paths, forbidden_paths, verification_commands, max_retries, retry_count,
			metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), t.Priority, t.Category,
		string(allowed), string(forbidden), string(verify), t.MaxRetries, t.RetryCount,
		string(meta), t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateStatus transitions a ticket's status, bumping updated_at.
func (s *Store) UpdateStatus(ctx context.Context, ticketID string, status model.TicketStatus) error {
	_, err := s.db.conn(ctx).Exec(ctx, `UPDATE tickets SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now(), ticketID)
	return err
}

// UpdateAllowedPaths persists an expanded allow-list after an auto-expansion
// decision (C3 scope-violation analysis).
func (s *Store) UpdateAllowedPaths(ctx context.Context, ticketID string, allowed []string) error {
	b, _ := json.Marshal(allowed)
	_, err := s.db.conn(ctx).Exec(ctx, `UPDATE tickets SET allowed_paths = $1, updated_at = $2 WHERE id = $3`,
		string(b), time.Now(), ticketID)
	return err
}

// GetTicket loads a single ticket by id.
func (s *Store) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	rows, err := s.db.conn(ctx).Query(ctx, ticketSelect+` WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(rows.Data) == 0 {
		return nil, fmt.Errorf("ticket %q not found", id)
	}
	return scanTicket(rows.Data[0]), nil
}

// TicketsByStatus returns all tickets in any of the given statuses for a project.
func (s *Store) TicketsByStatus(ctx context.Context, projectID string, statuses ...model.TicketStatus) ([]*model.Ticket, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	// $n-style IN expansion: one placeholder per status.
	args := []any{projectID}
	query := ticketSelect + ` WHERE project_id = $1 AND status IN (`
	for i, st := range statuses {
		if i > 0 {
			query += ","
		}
		args = append(args, string(st))
		query += fmt.Sprintf("$%d", len(args))
	}
	query += ")"

	rows, err := s.db.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Ticket, 0, len(rows.Data))
	for _, row := range rows.Data {
		out = append(out, scanTicket(row))
	}
	return out, nil
}

const ticketSelect = `SELECT id, project_id, title, description, status, priority, category,
	allowed_paths, forbidden_paths, verification_commands, max_retries, retry_count,
	metadata, created_at, updated_at FROM tickets`

func scanTicket(row []any) *model.Ticket {
	t := &model.Ticket{
		ID:          toString(row[0]),
		ProjectID:   toString(row[1]),
		Title:       toString(row[2]),
		Description: toString(row[3]),
		Status:      model.TicketStatus(toString(row[4])),
		Priority:    toInt(row[5]),
		Category:    toString(row[6]),
		MaxRetries:  toInt(row[10]),
		RetryCount:  toInt(row[11]),
	}
	_ = json.Unmarshal([]byte(toString(row[7])), &t.AllowedPaths)
	_ = json.Unmarshal([]byte(toString(row[8])), &t.ForbiddenPaths)
	_ = json.Unmarshal([]byte(toString(row[9])), &t.VerificationCommands)
	t.Metadata = map[string]any{}
	_ = json.Unmarshal([]byte(toString(row[12])), &t.Metadata)
	t.CreatedAt = toTime(row[13])
	t.UpdatedAt = toTime(row[14])
	return t
}

// CreateRun inserts a new run row, assigning r.ID first when it is empty.
func (s *Store) CreateRun(ctx context.Context, r *model.Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	meta, _ := json.Marshal(r.Metadata)
	_, err := s.db.conn(ctx).Exec(ctx, `
		INSERT INTO runs (id, project_id, ticket_id, type, status, started_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.ProjectID, nullIfEmpty(r.TicketID), string(r.Type), string(r.Status), r.StartedAt, string(meta))
	return err
}

// MarkSuccess marks a run complete and successful, merging metadata.
func (s *Store) MarkSuccess(ctx context.Context, runID string, metadata map[string]any) error {
	return s.completeRun(ctx, runID, model.RunSuccess, "", metadata)
}

// MarkFailure marks a run complete and failed with errMsg, merging metadata.
func (s *Store) MarkFailure(ctx context.Context, runID, errMsg string, metadata map[string]any) error {
	return s.completeRun(ctx, runID, model.RunFailure, errMsg, metadata)
}

func (s *Store) completeRun(ctx context.Context, runID string, status model.RunStatus, errMsg string, metadata map[string]any) error {
	merged := map[string]any{}
	rows, err := s.db.conn(ctx).Query(ctx, `SELECT metadata FROM runs WHERE id = $1`, runID)
	if err == nil && len(rows.Data) > 0 {
		_ = json.Unmarshal([]byte(toString(rows.Data[0][0])), &merged)
	}
	for k, v := range metadata {
		merged[k] = v
	}
	b, _ := json.Marshal(merged)
	_, err = s.db.conn(ctx).Exec(ctx, `UPDATE runs SET status = $1, completed_at = $2, error = $3, metadata = $4 WHERE id = $5`,
		string(status), time.Now(), errMsg, string(b), runID)
	return err
}

// CreateRunSteps inserts one queued row per command for the given attempt.
func (s *Store) CreateRunSteps(ctx context.Context, runID string, attempt int, cmds []string) error {
	return s.db.WithTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		for i, cmd := range cmds {
			_, err := tx.Exec(ctx, `
				INSERT INTO run_steps (run_id, attempt, ordinal, name, status, cmd)
				VALUES ($1,$2,$3,$4,$5,$6)`,
				runID, attempt, i, fmt.Sprintf("step-%d", i), string(model.StepQueued), cmd)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateStep updates a single run_steps row in place.
func (s *Store) UpdateStep(ctx context.Context, step *model.RunStep) error {
	_, err := s.db.conn(ctx).Exec(ctx, `
		UPDATE run_steps SET status=$1, exit_code=$2, signal=$3, started_at_ms=$4, ended_at_ms=$5,
			duration_ms=$6, stdout_path=$7, stderr_path=$8, stdout_bytes=$9, stderr_bytes=$10,
			truncated=$11, stdout_tail=$12, stderr_tail=$13
		WHERE run_id=$14 AND attempt=$15 AND ordinal=$16`,
		string(step.Status), step.ExitCode, step.Signal, step.StartedAtMs, step.EndedAtMs,
		step.DurationMs, step.StdoutPath, step.StderrPath, step.StdoutBytes, step.StderrBytes,
		boolToInt(step.Truncated), step.StdoutTail, step.StderrTail,
		step.RunID, step.Attempt, step.Ordinal)
	return err
}

// AddAuditEntry records an agent prompt/response/tool-call/error event.
func (s *Store) AddAuditEntry(ctx context.Context, id, runID, ticketID, agent, eventType, eventData string, tokenIn, tokenOut, durationMs int) error {
	_, err := s.db.conn(ctx).Exec(ctx, `
		INSERT INTO agent_audit_log (id, run_id, ticket_id, agent, event_type, event_data, token_input, token_output, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		id, runID, ticketID, agent, eventType, eventData, tokenIn, tokenOut, durationMs)
	return err
}

// GetConfigValue reads a single config key, returning ("", false) if absent.
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	rows, err := s.db.conn(ctx).Query(ctx, `SELECT value FROM config WHERE key = $1`, key)
	if err != nil {
		return "", false, err
	}
	if len(rows.Data) == 0 {
		return "", false, nil
	}
	return toString(rows.Data[0][0]), true, nil
}

// SetConfigValue upserts a config key.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.db.conn(ctx).Exec(ctx, `INSERT INTO config (key, value) VALUES ($1,$2)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// DedupSeen reports whether title was already recorded under kind
// ("completed" or "attempted").
func (s *Store) DedupSeen(ctx context.Context, title, kind string) (bool, error) {
	rows, err := s.db.conn(ctx).Query(ctx, `SELECT 1 FROM dedup_memory WHERE title = $1 AND kind = $2`, title, kind)
	if err != nil {
		return false, err
	}
	return len(rows.Data) > 0, nil
}

// RecordDedup records title under kind, ignoring duplicates.
func (s *Store) RecordDedup(ctx context.Context, title, kind string) error {
	_, err := s.db.conn(ctx).Exec(ctx, `INSERT OR IGNORE INTO dedup_memory (title, kind) VALUES ($1,$2)`, title, kind)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func toInt(v any) int {
	switch x := v.(type) {
	case int64:
		return int(x)
	case int:
		return x
	case float64:
		return int(x)
	default:
		return 0
	}
}

func toTime(v any) time.Time {
	switch x := v.(type) {
	case time.Time:
		return x
	case string:
		if t, err := time.Parse(time.RFC3339, x); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02 15:04:05", x); err == nil {
			return t
		}
	}
	return time.Time{}
}
