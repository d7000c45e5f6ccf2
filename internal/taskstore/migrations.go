package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS task_runs (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    target_id TEXT NOT NULL,
    queue_id TEXT,
    script_id TEXT,
    outcome TEXT NOT NULL,
    error TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_runs_task_id ON task_runs(task_id);
CREATE INDEX IF NOT EXISTS idx_task_runs_started_at ON task_runs(started_at);

CREATE TABLE IF NOT EXISTS attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES task_runs(id) ON DELETE CASCADE,
    script_id TEXT NOT NULL,
    script TEXT,
    user_id TEXT,
    user_name TEXT,
    phase TEXT,
    attempt INTEGER NOT NULL,
    status TEXT NOT NULL,
    detail TEXT,
    judged_by TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_attempts_run_id ON attempts(run_id);
CREATE INDEX IF NOT EXISTS idx_attempts_user ON attempts(script_id, user_id);
`
