package storage

// schema creates the three tables this repository owns: tokens and
// token_usages, plus release_jobs, the delayed-release queue's own
// persisted job rows, keyed by token_id for deduplication.
//
// CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS make this
// idempotent: every process runs it at boot under the migration file
// lock (see lock.go), and only the first to arrive does real work.
const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	id                TEXT PRIMARY KEY,
	status            TEXT NOT NULL CHECK (status IN ('available','active')),
	current_user_id   TEXT,
	activated_at      TIMESTAMP,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tokens_status ON tokens(status);
CREATE INDEX IF NOT EXISTS idx_tokens_activated_at ON tokens(activated_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tokens_active_user
	ON tokens(current_user_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS token_usages (
	id          TEXT PRIMARY KEY,
	token_id    TEXT NOT NULL REFERENCES tokens(id) ON DELETE CASCADE,
	user_id     TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	ended_at    TIMESTAMP,
	created_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usages_token_id ON token_usages(token_id);
CREATE INDEX IF NOT EXISTS idx_usages_user_id ON token_usages(user_id);
CREATE INDEX IF NOT EXISTS idx_usages_started_at ON token_usages(started_at);
CREATE INDEX IF NOT EXISTS idx_usages_token_open ON token_usages(token_id, ended_at);

CREATE TABLE IF NOT EXISTS release_jobs (
	token_id    TEXT PRIMARY KEY REFERENCES tokens(id) ON DELETE CASCADE,
	run_at      TIMESTAMP NOT NULL,
	status      TEXT NOT NULL CHECK (status IN ('pending','running','done','failed')),
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_release_jobs_due ON release_jobs(status, run_at);
`
