package store

// Schema creates all chartrec tables. Timestamps are unix seconds; clinical
// and filter date ranges are ISO dates (TEXT) so lexicographic comparison is
// also chronological comparison.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	portal_url        TEXT NOT NULL,
	adapter           TEXT NOT NULL,
	mode              TEXT NOT NULL,
	patient_prn       TEXT NOT NULL DEFAULT '',
	medication_filter TEXT NOT NULL DEFAULT '',
	range_start       TEXT NOT NULL DEFAULT '',
	range_end         TEXT NOT NULL DEFAULT '',
	provider          TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	step_label        TEXT NOT NULL DEFAULT '',
	steps_done        INTEGER NOT NULL DEFAULT 0,
	steps_total       INTEGER NOT NULL DEFAULT 0,
	error             TEXT NOT NULL DEFAULT '',
	attempt           INTEGER NOT NULL DEFAULT 1,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	started_at        INTEGER,
	completed_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status, updated_at);

CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	job_id            TEXT NOT NULL REFERENCES jobs(id),
	medication_filter TEXT NOT NULL DEFAULT '',
	range_start       TEXT NOT NULL,
	range_end         TEXT NOT NULL,
	extracted_at      INTEGER NOT NULL,
	source            TEXT NOT NULL DEFAULT '',
	patient_count     INTEGER NOT NULL DEFAULT 0,
	CHECK (range_start <= range_end)
);
CREATE INDEX IF NOT EXISTS idx_sessions_job ON sessions (job_id, extracted_at);

CREATE TABLE IF NOT EXISTS patients (
	prn           TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	date_of_birth TEXT NOT NULL DEFAULT '',
	gender        TEXT NOT NULL DEFAULT '',
	phone         TEXT NOT NULL DEFAULT '',
	email         TEXT NOT NULL DEFAULT '',
	address       TEXT NOT NULL DEFAULT '',
	first_seen_at INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS links (
	id          TEXT PRIMARY KEY,
	prn         TEXT NOT NULL REFERENCES patients(prn),
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	range_start TEXT NOT NULL,
	range_end   TEXT NOT NULL,
	checksum    TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	created_at  INTEGER NOT NULL,
	UNIQUE (prn, session_id)
);
CREATE INDEX IF NOT EXISTS idx_links_prn ON links (prn, range_start, range_end);

CREATE TABLE IF NOT EXISTS details (
	id       TEXT PRIMARY KEY,
	link_id  TEXT NOT NULL REFERENCES links(id),
	category TEXT NOT NULL,
	name     TEXT NOT NULL,
	value    TEXT NOT NULL DEFAULT '',
	started  TEXT NOT NULL DEFAULT '',
	stopped  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_details_link ON details (link_id, category);

CREATE TABLE IF NOT EXISTS conflicts (
	id         TEXT PRIMARY KEY,
	prn        TEXT NOT NULL REFERENCES patients(prn),
	session_a  TEXT NOT NULL REFERENCES sessions(id),
	session_b  TEXT NOT NULL REFERENCES sessions(id),
	category   TEXT NOT NULL,
	field      TEXT NOT NULL,
	old_value  TEXT NOT NULL DEFAULT '',
	new_value  TEXT NOT NULL DEFAULT '',
	severity   TEXT NOT NULL,
	resolution TEXT NOT NULL DEFAULT 'unresolved',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflicts_prn ON conflicts (prn, resolution);

CREATE TABLE IF NOT EXISTS job_commands (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '',
	visible_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_job_commands_visible ON job_commands (visible_at);
`
