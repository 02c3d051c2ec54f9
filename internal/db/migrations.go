package db

// migrationList returns the strictly ordered schema steps. Adapted from the
// teacher's internal/db/sqlite.go migration-const style, reshaped around
// the specification's Project/Ticket/Run/RunStep entities instead of the
// teacher's kanban-board schema.
func migrationList() []Migration {
	return []Migration{
		mig("0001_projects", `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    root_path TEXT NOT NULL UNIQUE,
    allowed_remote TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`),
		mig("0002_tickets", `
CREATE TABLE IF NOT EXISTS tickets (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    title TEXT NOT NULL,
    description TEXT,
    status TEXT NOT NULL DEFAULT 'backlog',
    priority INTEGER DEFAULT 0,
    category TEXT,
    allowed_paths TEXT,
    forbidden_paths TEXT,
    verification_commands TEXT,
    max_retries INTEGER DEFAULT 2,
    retry_count INTEGER DEFAULT 0,
    metadata TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tickets_project ON tickets(project_id);
CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
`),
		mig("0003_runs", `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    ticket_id TEXT REFERENCES tickets(id) ON DELETE CASCADE,
    type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    started_at DATETIME NOT NULL,
    completed_at DATETIME,
    error TEXT,
    metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_ticket ON runs(ticket_id);
CREATE INDEX IF NOT EXISTS idx_runs_type ON runs(type);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`),
		mig("0004_run_steps", `
CREATE TABLE IF NOT EXISTS run_steps (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    attempt INTEGER NOT NULL,
    ordinal INTEGER NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    cmd TEXT NOT NULL,
    exit_code INTEGER,
    signal TEXT,
    started_at_ms INTEGER,
    ended_at_ms INTEGER,
    duration_ms INTEGER,
    stdout_path TEXT,
    stderr_path TEXT,
    stdout_bytes INTEGER,
    stderr_bytes INTEGER,
    truncated INTEGER DEFAULT 0,
    stdout_tail TEXT,
    stderr_tail TEXT,
    PRIMARY KEY (run_id, attempt, ordinal)
);
`),
		mig("0005_dedup_and_audit", `
CREATE TABLE IF NOT EXISTS dedup_memory (
    title TEXT NOT NULL,
    kind TEXT NOT NULL, -- 'completed' | 'attempted'
    recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (title, kind)
);
CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
INSERT OR IGNORE INTO config (key, value) VALUES
    ('enable_audit_logging', 'true'),
    ('qa_baseline_capture', 'false');
CREATE TABLE IF NOT EXISTS agent_audit_log (
    id TEXT PRIMARY KEY,
    run_id TEXT,
    ticket_id TEXT,
    agent TEXT NOT NULL,
    event_type TEXT NOT NULL,
    event_data TEXT,
    token_input INTEGER,
    token_output INTEGER,
    duration_ms INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_audit_ticket ON agent_audit_log(ticket_id);
`),
	}
}
