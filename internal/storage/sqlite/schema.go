package sqlite

const schema = `
-- Fix sessions table (audit trail: rows are never deleted)
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    repo_path TEXT NOT NULL,
    config TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'idle',
    current_cycle INTEGER NOT NULL DEFAULT 0,
    safety_branch TEXT,
    stop_reason TEXT,
    error TEXT,
    pid INTEGER NOT NULL DEFAULT 0,
    stop_requested INTEGER NOT NULL DEFAULT 0,
    advance_url TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_repo_path ON sessions(repo_path);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);

-- One active session per repository, enforced across processes.
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_repo
    ON sessions(repo_path) WHERE status IN ('running', 'paused');

-- Fix cycles table
CREATE TABLE IF NOT EXISTS cycles (
    session_id TEXT NOT NULL,
    number INTEGER NOT NULL CHECK(number >= 1),
    status TEXT NOT NULL DEFAULT 'pending',
    invocation TEXT,
    deploy TEXT,
    verdict TEXT,
    score REAL NOT NULL DEFAULT 0,
    commit_id TEXT,
    delta TEXT,
    error TEXT,
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    finished_at DATETIME,
    PRIMARY KEY (session_id, number),
    FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_cycles_session ON cycles(session_id);

-- Events table (audit trail)
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    cycle_number INTEGER NOT NULL DEFAULT 0,
    event_type TEXT NOT NULL,
    severity TEXT NOT NULL DEFAULT 'info',
    message TEXT NOT NULL,
    data TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);

-- Base evaluation reports (one per session)
CREATE TABLE IF NOT EXISTS base_reports (
    session_id TEXT PRIMARY KEY,
    report TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (session_id) REFERENCES sessions(id)
);
`
