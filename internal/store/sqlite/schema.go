package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	instance_id TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	dying       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS charts (
	machine_id        TEXT NOT NULL,
	chart_id          TEXT NOT NULL,
	owner_id          TEXT NOT NULL,
	parent_machine_id TEXT,
	parent_chart_id   TEXT,
	state             BLOB NOT NULL,
	paused            INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (machine_id, chart_id)
);

CREATE TABLE IF NOT EXISTS deferred_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_id TEXT NOT NULL,
	chart_id   TEXT NOT NULL,
	event_id   TEXT NOT NULL,
	event_to   TEXT,
	event      BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	delay_ms   INTEGER NOT NULL,
	due        INTEGER NOT NULL,
	lock_owner TEXT
);
CREATE INDEX IF NOT EXISTS idx_deferred_events_chart ON deferred_events (machine_id, chart_id);
CREATE INDEX IF NOT EXISTS idx_deferred_events_due ON deferred_events (due, id);

CREATE TABLE IF NOT EXISTS ongoing_activities (
	machine_id  TEXT NOT NULL,
	chart_id    TEXT NOT NULL,
	activity_id TEXT NOT NULL,
	PRIMARY KEY (machine_id, chart_id, activity_id)
);

CREATE TABLE IF NOT EXISTS external_ids (
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	machine_id TEXT NOT NULL,
	chart_id   TEXT NOT NULL,
	PRIMARY KEY (key, value)
);
CREATE INDEX IF NOT EXISTS idx_external_ids_key ON external_ids (key);
CREATE INDEX IF NOT EXISTS idx_external_ids_chart ON external_ids (machine_id, chart_id);

CREATE TABLE IF NOT EXISTS journal_entries (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_id    TEXT NOT NULL,
	chart_id      TEXT NOT NULL,
	timestamp     INTEGER NOT NULL,
	event         BLOB,
	state_delta   BLOB NOT NULL,
	context_delta BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_entries_chart ON journal_entries (machine_id, chart_id);

CREATE TABLE IF NOT EXISTS full_journal_states (
	id                INTEGER NOT NULL,
	machine_id        TEXT NOT NULL,
	chart_id          TEXT NOT NULL,
	parent_machine_id TEXT,
	parent_chart_id   TEXT,
	owner_id          TEXT NOT NULL,
	timestamp         INTEGER NOT NULL,
	event             BLOB,
	state             BLOB,
	context           BLOB,
	PRIMARY KEY (machine_id, chart_id)
);

CREATE TABLE IF NOT EXISTS digests (
	created    INTEGER NOT NULL,
	timestamp  INTEGER NOT NULL,
	machine_id TEXT NOT NULL,
	chart_id   TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	PRIMARY KEY (machine_id, chart_id, key)
);
CREATE INDEX IF NOT EXISTS idx_digests_key_value ON digests (key, value);
`
