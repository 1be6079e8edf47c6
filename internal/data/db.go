// Package data keeps measurement history and calibration results in a
// sqlite database.
package data

import (
	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/pkg"
	"github.com/jmoiron/sqlx"
	"github.com/powerman/structlog"
)

const SQLCreate = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS measurement
(
    tm      REAL    NOT NULL,
    device  TEXT    NOT NULL,
    channel INTEGER NOT NULL CHECK ( channel >= 0 ),
    signal  TEXT    NOT NULL,
    value   REAL    NOT NULL
);

CREATE INDEX IF NOT EXISTS measurement_device_tm ON measurement (device, tm);

CREATE TABLE IF NOT EXISTS coarse_calibration
(
    coarse_calibration_id INTEGER PRIMARY KEY NOT NULL,
    created_at            REAL    NOT NULL DEFAULT (julianday('now')),
    target                TEXT    NOT NULL,
    reference             TEXT    NOT NULL,
    m                     REAL    NOT NULL,
    std_dev               REAL,
    samples               INTEGER NOT NULL,
    success               BOOLEAN NOT NULL CHECK ( success IN (0, 1) ),
    started_at            REAL    NOT NULL,
    finished_at           REAL    NOT NULL
);

CREATE TABLE IF NOT EXISTS cdt_run
(
    cdt_run_id   INTEGER PRIMARY KEY NOT NULL,
    created_at   REAL    NOT NULL DEFAULT (julianday('now')),
    device       TEXT    NOT NULL,
    measurements INTEGER NOT NULL CHECK ( measurements > 0 ),
    gate_time    REAL    NOT NULL,
    channel      INTEGER NOT NULL,
    polls        INTEGER NOT NULL,
    started_at   REAL    NOT NULL,
    finished_at  REAL    NOT NULL
);

CREATE TABLE IF NOT EXISTS cdt_value
(
    cdt_run_id INTEGER NOT NULL,
    bin        INTEGER NOT NULL CHECK ( bin >= 0 ),
    cdt        REAL    NOT NULL,
    dnl        REAL    NOT NULL,
    inl        REAL    NOT NULL,
    PRIMARY KEY (cdt_run_id, bin),
    FOREIGN KEY (cdt_run_id) REFERENCES cdt_run (cdt_run_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS journal_entry
(
    entry_id  INTEGER PRIMARY KEY NOT NULL,
    stored_at REAL    NOT NULL,
    level     INTEGER NOT NULL CHECK ( level IN (0, 1, 2) ),
    text      TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS journal_entry_stored_at ON journal_entry (stored_at);`

// Store implements measure.Sink and calib.Recorder.
type Store struct {
	db  *sqlx.DB
	log *structlog.Logger
}

func Open(filename string, log *structlog.Logger) (*Store, error) {
	db, err := pkg.OpenSqliteDBx(filename)
	if err != nil {
		return nil, merry.Append(err, filename)
	}
	if _, err := db.Exec(SQLCreate); err != nil {
		_ = db.Close()
		return nil, merry.Append(err, "create schema")
	}
	return &Store{db: db, log: pkg.UnitLogger(log, "data")}, nil
}

func (x *Store) DB() *sqlx.DB {
	return x.db
}

func (x *Store) Close() error {
	return x.db.Close()
}
