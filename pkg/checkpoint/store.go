// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"klipper-powerloss/pkg/log"
)

// Backend names.
const (
	BackendRing    = "ring"
	BackendJournal = "journal"
)

// Options configures a Store.
type Options struct {
	Dir      string
	RingSize int
	Backend  string
	// Flush fsyncs every write before it is renamed into place.
	Flush    bool
	Observer WriteObserver
}

// Store owns the checkpoint documents of one printer.
type Store struct {
	dir    string
	writer *Writer
	moves  MoveLog
	log    *log.Logger

	mu     sync.Mutex
	images map[DocName]Document
}

// Open creates the store directory if needed and opens the move log.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("checkpoint: empty store directory")
	}
	if opts.RingSize <= 0 {
		return nil, fmt.Errorf("checkpoint: ring size must be positive, got %d", opts.RingSize)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	writer := NewWriter(opts.Flush, opts.Observer)
	s := &Store{
		dir:    opts.Dir,
		writer: writer,
		log:    log.GetLogger("checkpoint"),
		images: make(map[DocName]Document),
	}

	switch opts.Backend {
	case "", BackendRing:
		s.moves = NewFileRing(opts.Dir, opts.RingSize, writer)
	case BackendJournal:
		j, err := OpenJournal(ctx, filepath.Join(opts.Dir, JournalName), opts.RingSize)
		if err != nil {
			writer.Close()
			return nil, err
		}
		s.moves = j
	default:
		writer.Close()
		return nil, fmt.Errorf("checkpoint: unknown backend %q", opts.Backend)
	}
	return s, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Moves returns the move checkpoint log.
func (s *Store) Moves() MoveLog {
	return s.moves
}

func (s *Store) path(name DocName) string {
	return filepath.Join(s.dir, string(name))
}

// Save merges update into document name. Keys are only ever added or
// replaced. With Sync the call returns once the document is durable.
func (s *Store) Save(name DocName, update Document, mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(name, update, mode)
}

func (s *Store) saveLocked(name DocName, update Document, mode Mode) error {
	base, ok := s.images[name]
	if !ok {
		base, _ = s.readLocked(name)
	}
	doc := merge(base, update)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	s.images[name] = doc

	if mode == Sync {
		return s.writer.WriteSync(s.path(name), data)
	}
	return s.writer.WriteAsync(s.path(name), data)
}

// Load returns document name. Missing and corrupt documents report false.
func (s *Store) Load(name DocName) (Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.images[name]; ok {
		return doc.clone(), true
	}
	doc, ok := s.readLocked(name)
	if ok {
		s.images[name] = doc
	}
	return doc.clone(), ok
}

func (s *Store) readLocked(name DocName) (Document, bool) {
	raw, err := os.ReadFile(s.path(name))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WithError(err).WithField("doc", string(name)).Warn("unreadable checkpoint document")
		}
		return nil, false
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, false
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		s.log.WithField("doc", string(name)).Warn("corrupt checkpoint document treated as absent")
		return nil, false
	}
	return doc, true
}

// Delete removes document name.
func (s *Store) Delete(name DocName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.images, name)
	return s.writer.DeleteSync(s.path(name))
}

// AddZAdjust accumulates delta into the z adjust document.
func (s *Store) AddZAdjust(delta float64, mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.images[DocZAdjust]
	if !ok {
		doc, _ = s.readLocked(DocZAdjust)
	}
	var current float64
	if v, ok := doc["z_adjust_position"].(float64); ok {
		current = v
	}
	return s.saveLocked(DocZAdjust, Document{"z_adjust_position": current + delta}, mode)
}

// Clear removes every environment document, every move checkpoint and
// leftover temporary files.
func (s *Store) Clear() error {
	var firstErr error
	for _, name := range EnvDocuments {
		if err := s.Delete(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.moves.Reset(); err != nil && firstErr == nil {
		firstErr = err
	}
	matches, _ := filepath.Glob(filepath.Join(s.dir, "pl_print_*.tmp"))
	for _, m := range matches {
		os.Remove(m)
	}
	if firstErr == nil {
		s.log.Info("recovery data removed")
	}
	return firstErr
}

// Exists reports whether a job identity document is present.
func (s *Store) Exists() bool {
	env, ok := s.FileEnv()
	return ok && env.FilePath != ""
}

// Flush waits for queued writes.
func (s *Store) Flush() error {
	return s.writer.Flush()
}

// Close flushes pending writes and closes the move log.
func (s *Store) Close() error {
	err := s.writer.Close()
	if cerr := s.moves.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
