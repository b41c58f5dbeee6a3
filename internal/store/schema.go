package store

// Session exclusivity (at most one in-progress session per device) is
// enforced by the partial unique index on sync_sessions, so a racing
// double-start loses here rather than only in application code. Chunk
// retry safety comes from the sync_records primary key together with
// INSERT OR IGNORE ingestion.
const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	owner TEXT NOT NULL DEFAULT '',
	icon TEXT NOT NULL DEFAULT '',
	color TEXT NOT NULL DEFAULT '',
	naming_template TEXT,
	last_sync_at DATETIME,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS songs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	artist TEXT NOT NULL DEFAULT '',
	album TEXT NOT NULL DEFAULT '',
	genre TEXT NOT NULL DEFAULT '',
	track INTEGER NOT NULL DEFAULT 0,
	year INTEGER NOT NULL DEFAULT 0,
	object_key TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	checksum TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_songs_checksum ON songs(checksum);

CREATE TABLE IF NOT EXISTS sync_sessions (
	id TEXT PRIMARY KEY,
	device_id INTEGER NOT NULL REFERENCES devices(id),
	status TEXT NOT NULL,
	dry_run INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active
	ON sync_sessions(device_id) WHERE status = 'in_progress';
CREATE INDEX IF NOT EXISTS idx_sessions_device ON sync_sessions(device_id, started_at);

CREATE TABLE IF NOT EXISTS sync_records (
	session_id TEXT NOT NULL REFERENCES sync_sessions(id) ON DELETE CASCADE,
	file_path TEXT NOT NULL,
	song_id INTEGER,
	action TEXT NOT NULL,
	source TEXT NOT NULL,
	error TEXT,
	reason TEXT,
	processed_at DATETIME NOT NULL,
	PRIMARY KEY (session_id, file_path)
);
CREATE INDEX IF NOT EXISTS idx_records_action ON sync_records(session_id, action);

CREATE TABLE IF NOT EXISTS song_devices (
	song_id INTEGER NOT NULL REFERENCES songs(id),
	device_id INTEGER NOT NULL REFERENCES devices(id),
	device_path TEXT NOT NULL,
	pending_action TEXT,
	modified_at DATETIME,
	added_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (song_id, device_id),
	UNIQUE (device_id, device_path)
);
CREATE INDEX IF NOT EXISTS idx_mappings_pending ON song_devices(device_id, pending_action);

PRAGMA journal_mode=WAL;
PRAGMA synchronous=NORMAL;
PRAGMA temp_store=MEMORY;
`
