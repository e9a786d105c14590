package metaIndex

// schemaStatements is applied in order inside one transaction on Open.
// Timestamps are integer unix nanoseconds throughout. The composite
// (name, ctime) indices back the latest-by-name lookup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS chunks (
		hash      TEXT PRIMARY KEY,
		size      INTEGER NOT NULL,
		raw_size  INTEGER NOT NULL,
		ref_count INTEGER NOT NULL DEFAULT 0,
		ctime     INTEGER NOT NULL,
		atime     INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS configs (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		hash      TEXT NOT NULL UNIQUE REFERENCES chunks(hash),
		size      INTEGER NOT NULL,
		ref_count INTEGER NOT NULL DEFAULT 0,
		ctime     INTEGER NOT NULL,
		atime     INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS scripts (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		hash      TEXT NOT NULL REFERENCES chunks(hash),
		size      INTEGER NOT NULL,
		language  TEXT NOT NULL DEFAULT 'python',
		ref_count INTEGER NOT NULL DEFAULT 0,
		ctime     INTEGER NOT NULL,
		atime     INTEGER NOT NULL,
		UNIQUE(hash, language)
	)`,

	`CREATE TABLE IF NOT EXISTS documents (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		name         TEXT NOT NULL,
		state        TEXT NOT NULL DEFAULT 'unknown',
		version      INTEGER NOT NULL DEFAULT 1,
		parent_id    INTEGER REFERENCES documents(id) ON DELETE SET NULL,
		payload_hash TEXT REFERENCES chunks(hash),
		payload_size INTEGER NOT NULL DEFAULT 0,
		script_id    INTEGER REFERENCES scripts(id),
		meta         TEXT,
		ctime        INTEGER NOT NULL,
		mtime        INTEGER NOT NULL,
		atime        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_documents_name_ctime ON documents(name, ctime)`,

	`CREATE TABLE IF NOT EXISTS datasets (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL,
		description TEXT,
		config_id   INTEGER REFERENCES configs(id),
		script_id   INTEGER REFERENCES scripts(id),
		ctime       INTEGER NOT NULL,
		mtime       INTEGER NOT NULL,
		atime       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_datasets_name_ctime ON datasets(name, ctime)`,

	`CREATE TABLE IF NOT EXISTS arrays (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		dataset_id       INTEGER NOT NULL REFERENCES datasets(id),
		name             TEXT NOT NULL,
		backing_location TEXT NOT NULL,
		inner_shape      TEXT NOT NULL DEFAULT '[]',
		lower_bound      TEXT NOT NULL DEFAULT '[]',
		upper_bound      TEXT NOT NULL DEFAULT '[]',
		kind             TEXT NOT NULL DEFAULT 'float64',
		UNIQUE(dataset_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS tags (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		text TEXT NOT NULL UNIQUE
	)`,

	`CREATE TABLE IF NOT EXISTS document_tags (
		document_id INTEGER NOT NULL REFERENCES documents(id),
		tag_id      INTEGER NOT NULL REFERENCES tags(id),
		PRIMARY KEY (document_id, tag_id)
	)`,

	`CREATE TABLE IF NOT EXISTS dataset_tags (
		dataset_id INTEGER NOT NULL REFERENCES datasets(id),
		tag_id     INTEGER NOT NULL REFERENCES tags(id),
		PRIMARY KEY (dataset_id, tag_id)
	)`,

	`CREATE TABLE IF NOT EXISTS document_datasets (
		document_id INTEGER NOT NULL REFERENCES documents(id),
		dataset_id  INTEGER NOT NULL REFERENCES datasets(id),
		PRIMARY KEY (document_id, dataset_id)
	)`,
}
