package store

const schemaV1 = `
CREATE TABLE tasks (
	id                TEXT PRIMARY KEY,
	prompt            TEXT NOT NULL,
	priority          TEXT NOT NULL CHECK (priority IN ('P0','P1','P2')),
	status            TEXT NOT NULL CHECK (status IN ('queued','running','completed','failed','cancelled')),
	cwd               TEXT NOT NULL,
	timeout_ms        INTEGER NOT NULL,
	max_output_buffer INTEGER NOT NULL,
	worktree_enabled  INTEGER NOT NULL DEFAULT 0,
	worktree_base     TEXT NOT NULL DEFAULT '',
	worktree_branch   TEXT NOT NULL DEFAULT '',
	parent_task_id    TEXT REFERENCES tasks(id) ON DELETE SET NULL,
	retry_of          TEXT REFERENCES tasks(id) ON DELETE SET NULL,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	continue_from     TEXT REFERENCES tasks(id) ON DELETE SET NULL,
	tags              TEXT NOT NULL DEFAULT '[]',
	metadata          TEXT NOT NULL DEFAULT '{}',
	worker_id         TEXT NOT NULL DEFAULT '',
	exit_code         INTEGER,
	duration_ms       INTEGER,
	created_at        TEXT NOT NULL,
	started_at        TEXT,
	completed_at      TEXT,
	updated_at        TEXT NOT NULL
);

CREATE INDEX idx_tasks_status_priority ON tasks(status, priority);
CREATE INDEX idx_tasks_parent ON tasks(parent_task_id);

CREATE TABLE task_dependencies (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id             TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	depends_on_task_id  TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	resolution          TEXT NOT NULL CHECK (resolution IN ('pending','completed','failed','cancelled')),
	created_at          TEXT NOT NULL,
	resolved_at         TEXT,
	UNIQUE (task_id, depends_on_task_id)
);

CREATE INDEX idx_deps_task ON task_dependencies(task_id);
CREATE INDEX idx_deps_depends_on ON task_dependencies(depends_on_task_id);

CREATE TABLE task_checkpoints (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id           TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	checkpoint_type   TEXT NOT NULL CHECK (checkpoint_type IN ('completed','failed','cancelled')),
	output_summary    TEXT NOT NULL DEFAULT '',
	error_summary     TEXT NOT NULL DEFAULT '',
	git_branch        TEXT,
	git_commit_sha    TEXT,
	git_dirty_files   TEXT,
	context_note      TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL
);

CREATE INDEX idx_checkpoints_task ON task_checkpoints(task_id);

CREATE TABLE schedules (
	id                  TEXT PRIMARY KEY,
	template_prompt     TEXT NOT NULL,
	template_priority   TEXT NOT NULL CHECK (template_priority IN ('P0','P1','P2')),
	template_cwd        TEXT NOT NULL,
	template_timeout_ms INTEGER NOT NULL,
	template_max_output INTEGER NOT NULL,
	template_worktree   INTEGER NOT NULL DEFAULT 0,
	template_tags       TEXT NOT NULL DEFAULT '[]',
	template_metadata   TEXT NOT NULL DEFAULT '{}',
	schedule_type       TEXT NOT NULL CHECK (schedule_type IN ('cron','one_shot')),
	cron_expression     TEXT NOT NULL DEFAULT '',
	scheduled_at        TEXT,
	timezone            TEXT NOT NULL DEFAULT 'UTC',
	missed_run_policy   TEXT NOT NULL CHECK (missed_run_policy IN ('skip','catchup','fail')),
	status              TEXT NOT NULL CHECK (status IN ('active','paused','completed','cancelled','expired')),
	max_runs            INTEGER,
	run_count           INTEGER NOT NULL DEFAULT 0,
	next_run_at         TEXT,
	last_run_at         TEXT,
	expires_at          TEXT,
	metadata            TEXT NOT NULL DEFAULT '{}',
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE INDEX idx_schedules_status_next_run ON schedules(status, next_run_at);

CREATE TABLE schedule_executions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	schedule_id  TEXT NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
	task_id      TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	ran_at       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX idx_sched_exec_schedule ON schedule_executions(schedule_id);
`
