package db

// migration is one schema change, applied in version order.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial schema",
		sql: `
			CREATE TABLE accounts (
				id            TEXT PRIMARY KEY,
				provider      TEXT NOT NULL UNIQUE,
				monthly_limit INTEGER NOT NULL,
				monthly_used  INTEGER NOT NULL DEFAULT 0,
				period_start  TEXT NOT NULL,
				is_active     INTEGER NOT NULL DEFAULT 1,
				created_at    TEXT NOT NULL,
				updated_at    TEXT NOT NULL
			);

			CREATE TABLE agents (
				id                    TEXT PRIMARY KEY,
				name                  TEXT NOT NULL UNIQUE,
				persona               TEXT,
				level                 INTEGER NOT NULL DEFAULT 1,
				xp                    INTEGER NOT NULL DEFAULT 0,
				consecutive_failures  INTEGER NOT NULL DEFAULT 0,
				consecutive_successes INTEGER NOT NULL DEFAULT 0,
				total_attempts        INTEGER NOT NULL DEFAULT 0,
				last_request_at       TEXT,
				is_active             INTEGER NOT NULL DEFAULT 1,
				created_at            TEXT NOT NULL,
				updated_at            TEXT NOT NULL
			);

			CREATE TABLE attempts (
				id          TEXT PRIMARY KEY,
				agent_id    TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
				difficulty  TEXT NOT NULL,
				layers      INTEGER NOT NULL DEFAULT 1,
				threshold   INTEGER NOT NULL,
				category    TEXT,
				provider    TEXT,
				score       INTEGER NOT NULL DEFAULT 0,
				passed      INTEGER NOT NULL DEFAULT 0,
				fallback    INTEGER NOT NULL DEFAULT 0,
				outcome     TEXT NOT NULL,
				recorded_at TEXT NOT NULL
			);
			CREATE INDEX idx_attempts_agent_recorded ON attempts(agent_id, recorded_at);

			CREATE TABLE usage_records (
				id            TEXT PRIMARY KEY,
				provider      TEXT NOT NULL,
				agent_id      TEXT,
				attempt_id    TEXT,
				kind          TEXT NOT NULL,
				input_tokens  INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				total_tokens  INTEGER NOT NULL DEFAULT 0,
				recorded_at   TEXT NOT NULL
			);
			CREATE INDEX idx_usage_provider_recorded ON usage_records(provider, recorded_at);
			CREATE INDEX idx_usage_agent ON usage_records(agent_id);

			CREATE TABLE events (
				id            TEXT PRIMARY KEY,
				timestamp     TEXT NOT NULL,
				type          TEXT NOT NULL,
				entity_type   TEXT NOT NULL,
				entity_id     TEXT NOT NULL,
				payload_json  TEXT,
				metadata_json TEXT
			);
			CREATE INDEX idx_events_timestamp ON events(timestamp, id);
			CREATE INDEX idx_events_entity ON events(entity_type, entity_id);
		`,
	},
}
