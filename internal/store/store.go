// Package store archives analysis runs in a SQLite database: one row per
// run, its diagnostics and the inferred type of every module global.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/itchyny/timefmt-go"
	_ "modernc.org/sqlite"

	"github.com/funvibe/infera/internal/diagnostics"
)

// TimeFormat is the strftime layout of stored timestamps.
const TimeFormat = "%Y-%m-%dT%H:%M:%S%z"

var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	module      TEXT NOT NULL,
	filename    TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	failed      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS diagnostics (
	run_id   TEXT NOT NULL REFERENCES runs(id),
	seq      INTEGER NOT NULL,
	code     TEXT NOT NULL,
	filename TEXT NOT NULL,
	line     INTEGER NOT NULL,
	function TEXT NOT NULL,
	message  TEXT NOT NULL,
	details  TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS globals (
	run_id TEXT NOT NULL REFERENCES runs(id),
	name   TEXT NOT NULL,
	type   TEXT NOT NULL,
	PRIMARY KEY (run_id, name)
);
`

// RunRecord is what one analysis run produced.
type RunRecord struct {
	Module      string
	Filename    string
	Started     time.Time
	Duration    time.Duration
	Failed      bool
	Diagnostics []*diagnostics.DiagnosticError
	// Globals maps each module global to its printed type.
	Globals map[string]string
}

// Run is a stored run without its diagnostics and globals.
type Run struct {
	ID       string
	Module   string
	Filename string
	Started  time.Time
	Duration time.Duration
	Failed   bool
}

// Archive is an open results database.
type Archive struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(ctx context.Context, path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open results db: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes
	// writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// RecordRun stores a run and returns its id.
func (a *Archive) RecordRun(ctx context.Context, rec RunRecord) (string, error) {
	id := uuid.NewString()
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	started := rec.Started
	if started.IsZero() {
		started = time.Now()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, module, filename, started_at, duration_ms, failed) VALUES (?, ?, ?, ?, ?, ?)`,
		id, rec.Module, rec.Filename, timefmt.Format(started, TimeFormat), rec.Duration.Milliseconds(), rec.Failed)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	for i, d := range rec.Diagnostics {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO diagnostics (run_id, seq, code, filename, line, function, message, details) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, string(d.Code), d.Location.Filename, d.Location.Line, d.Location.Function, d.Message, d.Details)
		if err != nil {
			return "", fmt.Errorf("insert diagnostic: %w", err)
		}
	}
	for name, typ := range rec.Globals {
		_, err = tx.ExecContext(ctx, `INSERT INTO globals (run_id, name, type) VALUES (?, ?, ?)`, id, name, typ)
		if err != nil {
			return "", fmt.Errorf("insert global %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// Run loads the summary of one run.
func (a *Archive) Run(ctx context.Context, id string) (*Run, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT id, module, filename, started_at, duration_ms, failed FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// Runs lists the runs of a module, newest first.
func (a *Archive) Runs(ctx context.Context, module string) ([]*Run, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, module, filename, started_at, duration_ms, failed FROM runs WHERE module = ? ORDER BY started_at DESC, rowid DESC`, module)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		r       Run
		started string
		ms      int64
	)
	if err := s.Scan(&r.ID, &r.Module, &r.Filename, &started, &ms, &r.Failed); err != nil {
		return nil, err
	}
	t, err := timefmt.Parse(started, TimeFormat)
	if err != nil {
		return nil, fmt.Errorf("run %s: bad timestamp %q: %w", r.ID, started, err)
	}
	r.Started = t
	r.Duration = time.Duration(ms) * time.Millisecond
	return &r, nil
}

// Diagnostics returns the diagnostics of a run in report order.
func (a *Archive) Diagnostics(ctx context.Context, runID string) ([]*diagnostics.DiagnosticError, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT code, filename, line, function, message, details FROM diagnostics WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var errs []*diagnostics.DiagnosticError
	for rows.Next() {
		var (
			d    diagnostics.DiagnosticError
			code string
		)
		if err := rows.Scan(&code, &d.Location.Filename, &d.Location.Line, &d.Location.Function, &d.Message, &d.Details); err != nil {
			return nil, err
		}
		d.Code = diagnostics.Code(code)
		errs = append(errs, &d)
	}
	return errs, rows.Err()
}

// Globals returns the printed type of every global of a run.
func (a *Archive) Globals(ctx context.Context, runID string) (map[string]string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT name, type FROM globals WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	globals := make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		globals[name] = typ
	}
	return globals, rows.Err()
}
