// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"klipper-powerloss/pkg/log"
)

// ErrWriterClosed is returned for writes after Close.
var ErrWriterClosed = errors.New("checkpoint: writer closed")

// WriteObserver receives write outcomes. It may be nil.
type WriteObserver interface {
	ObserveWrite(path string, mode Mode, err error)
	ObserveCoalesced(path string)
}

type pendingWrite struct {
	data   []byte
	delete bool
}

// Writer is the background persistence path. At most one queued write
// exists per file: a newer async write replaces the queued one, and a
// sync write drops it before writing through.
type Writer struct {
	flush    bool
	observer WriteObserver
	log      *log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[string]pendingWrite
	order   []string
	busy    map[string]bool
	closed  bool
	lastErr error

	done chan struct{}
}

// NewWriter starts the background writer. With flush set, every write is
// fsynced before the rename.
func NewWriter(flush bool, observer WriteObserver) *Writer {
	w := &Writer{
		flush:    flush,
		observer: observer,
		log:      log.GetLogger("checkpoint"),
		pending:  make(map[string]pendingWrite),
		busy:     make(map[string]bool),
		done:     make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// WriteAsync queues data for path and returns immediately.
func (w *Writer) WriteAsync(path string, data []byte) error {
	return w.enqueue(path, pendingWrite{data: data})
}

// DeleteAsync queues removal of path.
func (w *Writer) DeleteAsync(path string) error {
	return w.enqueue(path, pendingWrite{delete: true})
}

func (w *Writer) enqueue(path string, pw pendingWrite) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if _, ok := w.pending[path]; ok {
		if w.observer != nil {
			w.observer.ObserveCoalesced(path)
		}
	} else {
		w.order = append(w.order, path)
	}
	w.pending[path] = pw
	w.cond.Broadcast()
	return nil
}

// WriteSync writes data to path and returns once it is durable.
func (w *Writer) WriteSync(path string, data []byte) error {
	w.acquire(path)
	defer w.release(path)
	err := atomicWrite(path, data, w.flush)
	if w.observer != nil {
		w.observer.ObserveWrite(path, Sync, err)
	}
	return err
}

// DeleteSync removes path, dropping any queued write for it.
func (w *Writer) DeleteSync(path string) error {
	w.acquire(path)
	defer w.release(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

// acquire drops the queued write for path and waits until no write of
// path is in flight, then marks path busy.
func (w *Writer) acquire(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropLocked(path)
	for w.busy[path] {
		w.cond.Wait()
	}
	w.busy[path] = true
}

func (w *Writer) release(path string) {
	w.mu.Lock()
	delete(w.busy, path)
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *Writer) dropLocked(path string) {
	if _, ok := w.pending[path]; !ok {
		return
	}
	delete(w.pending, path)
	for i, p := range w.order {
		if p == path {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

// Pending returns the number of queued writes.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Flush blocks until every queued write has reached disk and returns the
// last background error, if any.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.pending) > 0 || len(w.busy) > 0 {
		w.cond.Wait()
	}
	err := w.lastErr
	w.lastErr = nil
	return err
}

// Close flushes the queue and stops the writer.
func (w *Writer) Close() error {
	err := w.Flush()
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return err
	}
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
	<-w.done
	return err
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for !w.closed && !w.hasRunnableLocked() {
			w.cond.Wait()
		}
		if w.closed && len(w.pending) == 0 {
			w.mu.Unlock()
			return
		}
		path, pw, ok := w.nextLocked()
		if !ok {
			w.cond.Wait()
			w.mu.Unlock()
			continue
		}
		w.busy[path] = true
		w.mu.Unlock()

		var err error
		if pw.delete {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				err = rmErr
			}
		} else {
			err = atomicWrite(path, pw.data, w.flush)
		}
		if err != nil {
			w.log.WithError(err).WithField("file", filepath.Base(path)).Error("async write failed")
		}
		if w.observer != nil && !pw.delete {
			w.observer.ObserveWrite(path, Async, err)
		}

		w.mu.Lock()
		if err != nil {
			w.lastErr = err
		}
		delete(w.busy, path)
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

func (w *Writer) hasRunnableLocked() bool {
	for _, p := range w.order {
		if !w.busy[p] {
			return true
		}
	}
	return false
}

func (w *Writer) nextLocked() (string, pendingWrite, bool) {
	for i, p := range w.order {
		if w.busy[p] {
			continue
		}
		pw := w.pending[p]
		delete(w.pending, p)
		w.order = append(w.order[:i], w.order[i+1:]...)
		return p, pw, true
	}
	return "", pendingWrite{}, false
}

// atomicWrite writes data to path.tmp, optionally syncs it, and renames it
// over path. A crash at any point leaves either the old or the new file.
func atomicWrite(path string, data []byte, flush bool) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(tmp), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if flush {
		if err := syncFile(f); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("sync %s: %w", filepath.Base(tmp), err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	if flush {
		if err := syncDir(filepath.Dir(path)); err != nil {
			return fmt.Errorf("sync dir: %w", err)
		}
	}
	return nil
}
