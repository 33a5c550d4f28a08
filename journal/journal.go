// Package journal keeps an optional sqlite record of every verb the changer
// executed: what was asked, which slot the drive held before and after, and
// how it ended. Useful when reconstructing what a backup run did to the
// library; the changer itself never reads it back.
package journal

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Entry is one recorded invocation.
type Entry struct {
	ID       string
	At       time.Time
	Verb     string
	Slot     int
	FromSlot int
	ToSlot   int
	Outcome  string
}

// OutcomeOK marks a verb that completed; anything else is the error text.
const OutcomeOK = "ok"

func Open(path string, logger *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %s", path)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS transitions (
		id TEXT NOT NULL PRIMARY KEY,
		at TEXT NOT NULL,
		verb TEXT NOT NULL,
		slot INT,
		fromslot INT,
		toslot INT,
		outcome TEXT NOT NULL)`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create transitions table")
	}
	return &Journal{db: db, logger: logger}, nil
}

// Record inserts one row. Failures are reported to the caller so they can be
// logged; a broken journal must never fail the verb it describes.
func (j *Journal) Record(verb string, slot, fromSlot, toSlot int, outcome string) error {
	id := ulid.Make().String()
	at := time.Now().Format(time.RFC3339Nano)
	_, err := j.db.Exec(
		`INSERT INTO transitions (id, at, verb, slot, fromslot, toslot, outcome) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, at, verb, slot, fromSlot, toSlot, outcome)
	if err != nil {
		return errors.Wrap(err, "record transition")
	}
	j.logger.Debug("transition recorded",
		"id", id, "verb", verb, "slot", slot, "from", fromSlot, "to", toSlot, "outcome", outcome)
	return nil
}

// Recent returns up to n entries, newest first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	rows, err := j.db.Query(
		`SELECT id, at, verb, slot, fromslot, toslot, outcome FROM transitions ORDER BY at DESC LIMIT ?`, n)
	if err != nil {
		return nil, errors.Wrap(err, "query transitions")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &at, &e.Verb, &e.Slot, &e.FromSlot, &e.ToSlot, &e.Outcome); err != nil {
			return nil, errors.Wrap(err, "scan transition")
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
