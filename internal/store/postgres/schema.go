package postgres

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	instance_id TEXT PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	dying       BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS charts (
	machine_id        TEXT NOT NULL,
	chart_id          TEXT NOT NULL,
	owner_id          TEXT NOT NULL,
	parent_machine_id TEXT,
	parent_chart_id   TEXT,
	state             BYTEA NOT NULL,
	paused            BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (machine_id, chart_id)
);

CREATE TABLE IF NOT EXISTS deferred_events (
	id         BIGSERIAL PRIMARY KEY,
	machine_id TEXT NOT NULL,
	chart_id   TEXT NOT NULL,
	event_id   TEXT NOT NULL,
	event_to   TEXT,
	event      BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	delay_ms   BIGINT NOT NULL,
	due        TIMESTAMPTZ NOT NULL,
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
	id            BIGSERIAL PRIMARY KEY,
	machine_id    TEXT NOT NULL,
	chart_id      TEXT NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL DEFAULT now(),
	event         BYTEA,
	state_delta   BYTEA NOT NULL,
	context_delta BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_entries_chart ON journal_entries (machine_id, chart_id);

CREATE TABLE IF NOT EXISTS full_journal_states (
	id                BIGINT NOT NULL,
	machine_id        TEXT NOT NULL,
	chart_id          TEXT NOT NULL,
	parent_machine_id TEXT,
	parent_chart_id   TEXT,
	owner_id          TEXT NOT NULL,
	timestamp         TIMESTAMPTZ NOT NULL DEFAULT now(),
	event             BYTEA,
	state             BYTEA,
	context           BYTEA,
	PRIMARY KEY (machine_id, chart_id)
);

CREATE TABLE IF NOT EXISTS digests (
	created    TIMESTAMPTZ NOT NULL DEFAULT now(),
	timestamp  TIMESTAMPTZ NOT NULL DEFAULT now(),
	machine_id TEXT NOT NULL,
	chart_id   TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	PRIMARY KEY (machine_id, chart_id, key)
);
CREATE INDEX IF NOT EXISTS idx_digests_key_value ON digests (key, value);

-- Notification trigger for the new-journal-entry channel (spec.md §6).
CREATE OR REPLACE FUNCTION xjog_notify_new_journal_entry() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('new-journal-entry', json_build_object(
		'id', NEW.id, 'machineId', NEW.machine_id, 'chartId', NEW.chart_id)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS xjog_journal_entries_notify ON journal_entries;
CREATE TRIGGER xjog_journal_entries_notify
	AFTER INSERT ON journal_entries
	FOR EACH ROW EXECUTE FUNCTION xjog_notify_new_journal_entry();

-- Notification trigger for the new-digest-entry channel (spec.md §6),
-- payload is a ChartReference.
CREATE OR REPLACE FUNCTION xjog_notify_new_digest_entry() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('new-digest-entry', json_build_object(
		'machineId', NEW.machine_id, 'chartId', NEW.chart_id)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS xjog_digests_notify ON digests;
CREATE TRIGGER xjog_digests_notify
	AFTER INSERT OR UPDATE ON digests
	FOR EACH ROW EXECUTE FUNCTION xjog_notify_new_digest_entry();
`
