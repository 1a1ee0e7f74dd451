// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"klipper-powerloss/pkg/log"
)

// JournalName is the database file of the journal backend.
const JournalName = "pl_print_move_journal.db"

// Journal is an append-only move log in SQLite. Every write appends a
// row; a slot's content is its newest row. Superseded rows are
// compacted away once per ring revolution. Commits are durable when they
// return, so the write mode is not used.
type Journal struct {
	db   *sql.DB
	size int
	log  *log.Logger

	mu      sync.Mutex
	next    int
	seq     uint64
	appends int
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(ctx context.Context, path string, size int) (*Journal, error) {
	if size <= 0 {
		return nil, fmt.Errorf("journal size must be positive")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = FULL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("journal %s: %w", p, err)
		}
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS move_log (
  seq        INTEGER PRIMARY KEY,
  slot       INTEGER NOT NULL,
  line_count INTEGER NOT NULL,
  record     TEXT NOT NULL,
  written_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_move_log_slot ON move_log(slot, seq);`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(pctx, s); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap journal: %w", err)
		}
	}

	j := &Journal{db: db, size: size, log: log.GetLogger("checkpoint")}
	var seq sql.NullInt64
	var slot sql.NullInt64
	row := db.QueryRowContext(pctx, `SELECT seq, slot FROM move_log ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&seq, &slot); err != nil && !errors.Is(err, sql.ErrNoRows) {
		_ = db.Close()
		return nil, fmt.Errorf("read journal head: %w", err)
	}
	if seq.Valid {
		j.seq = uint64(seq.Int64)
		j.next = int(slot.Int64+1) % size
	}
	return j, nil
}

func (j *Journal) Append(rec *MoveRecord, mode Mode) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	index := j.next
	if err := j.insertLocked(index, rec); err != nil {
		return index, err
	}
	j.next = (index + 1) % j.size
	j.appends++
	if j.appends >= j.size {
		j.appends = 0
		if err := j.compactLocked(); err != nil {
			j.log.WithError(err).Warn("journal compaction failed")
		}
	}
	return index, nil
}

func (j *Journal) Put(index int, rec *MoveRecord, mode Mode) error {
	if index < 0 || index >= j.size {
		return fmt.Errorf("slot %d out of range [0, %d)", index, j.size)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.insertLocked(index, rec)
}

func (j *Journal) insertLocked(index int, rec *MoveRecord) error {
	rec.Seq = j.seq + 1
	data, err := rec.encodeValid()
	if err != nil {
		return fmt.Errorf("encode slot %d: %w", index, err)
	}
	j.seq = rec.Seq
	_, err = j.db.Exec(
		`INSERT INTO move_log (seq, slot, line_count, record, written_at) VALUES (?, ?, ?, ?, ?)`,
		int64(rec.Seq), index, int64(rec.LineCount), string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append slot %d: %w", index, err)
	}
	return nil
}

// Compact drops superseded rows.
func (j *Journal) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.compactLocked()
}

func (j *Journal) compactLocked() error {
	_, err := j.db.Exec(`DELETE FROM move_log WHERE seq NOT IN (SELECT MAX(seq) FROM move_log GROUP BY slot)`)
	return err
}

// Rows returns the number of stored rows, superseded ones included.
func (j *Journal) Rows() (int, error) {
	var n int
	err := j.db.QueryRow(`SELECT COUNT(*) FROM move_log`).Scan(&n)
	return n, err
}

func (j *Journal) Slots() ([]Slot, error) {
	rows, err := j.db.Query(`SELECT m.slot, m.record FROM move_log m
WHERE m.seq = (SELECT MAX(seq) FROM move_log WHERE slot = m.slot)
ORDER BY m.slot`)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var slots []Slot
	for rows.Next() {
		var index int
		var raw string
		if err := rows.Scan(&index, &raw); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		if index < 0 || index >= j.size {
			continue
		}
		rec, err := DecodeRecord([]byte(raw))
		if err != nil {
			j.log.WithError(err).WithField("slot", index).Warn("corrupt journal entry ignored")
			continue
		}
		slots = append(slots, Slot{Index: index, Record: rec})
	}
	return slots, rows.Err()
}

func (j *Journal) Retain(index int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.db.Exec(`DELETE FROM move_log WHERE slot != ?`, index); err != nil {
		return fmt.Errorf("retain slot %d: %w", index, err)
	}
	return j.compactLocked()
}

func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.db.Exec(`DELETE FROM move_log`); err != nil {
		return fmt.Errorf("reset journal: %w", err)
	}
	j.next = 0
	j.appends = 0
	return nil
}

func (j *Journal) Next() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.next
}

func (j *Journal) SetNext(index int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.next = ((index % j.size) + j.size) % j.size
}

func (j *Journal) Size() int {
	return j.size
}

func (j *Journal) Close() error {
	return j.db.Close()
}
