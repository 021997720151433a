package analytics

// initSchema creates the tables and indexes if they don't exist.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		phase TEXT NOT NULL DEFAULT '',
		exit_status TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		parent_event_id TEXT,
		timestamp DATETIME NOT NULL,
		event_type TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (session_id, event_id)
	);

	CREATE TABLE IF NOT EXISTS agents (
		agent_key TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		invoked_by TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		duration_ms INTEGER,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		success INTEGER
	);

	CREATE TABLE IF NOT EXISTS tools (
		row_id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		agent_key TEXT,
		tool TEXT NOT NULL,
		duration_ms INTEGER,
		success INTEGER,
		error_kind TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS errors (
		row_id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		context_json TEXT NOT NULL DEFAULT '{}',
		attempted_fix TEXT NOT NULL DEFAULT '',
		fix_successful INTEGER,
		resolution_ms INTEGER
	);

	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		parent_task_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'running',
		progress_pct REAL NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS context (
		row_id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		at_event_id TEXT NOT NULL,
		tokens_before INTEGER NOT NULL DEFAULT 0,
		tokens_after INTEGER NOT NULL DEFAULT 0,
		files_json TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_agents_session_name ON agents(session_id, name);
	CREATE INDEX IF NOT EXISTS idx_tools_tool ON tools(tool);
	CREATE INDEX IF NOT EXISTS idx_errors_kind ON errors(kind);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`
	_, err := s.db.Exec(schema)
	return err
}
