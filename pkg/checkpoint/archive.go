// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package checkpoint

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pierrec/lz4/v4"

	"klipper-powerloss/pkg/log"
)

// BackupDir is the directory under the store that receives archives.
const BackupDir = "pl_backup"

// Archive writes every present document and move checkpoint to dst as
// an LZ4 compressed tar stream. It returns the number of entries written.
func (s *Store) Archive(dst string) (int, error) {
	if err := s.writer.Flush(); err != nil {
		s.log.WithError(err).Warn("pending write failed before archive")
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create archive directory: %w", err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw := lz4.NewWriter(f)
	tw := tar.NewWriter(zw)
	now := time.Now()
	count := 0

	add := func(name string, data []byte) error {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
		count++
		return nil
	}

	for _, name := range EnvDocuments {
		data, err := os.ReadFile(s.path(name))
		if err != nil {
			continue
		}
		if err := add(string(name), data); err != nil {
			return count, fmt.Errorf("archive %s: %w", name, err)
		}
	}

	slots, err := s.moves.Slots()
	if err != nil {
		s.log.WithError(err).Warn("move checkpoints not archived")
	}
	for _, slot := range slots {
		rec := slot.Record
		data, err := rec.Encode()
		if err != nil {
			continue
		}
		if err := add(MoveSlotName(slot.Index), data); err != nil {
			return count, fmt.Errorf("archive slot %d: %w", slot.Index, err)
		}
	}

	if err := tw.Close(); err != nil {
		return count, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("close lz4: %w", err)
	}
	if err := f.Sync(); err != nil {
		return count, fmt.Errorf("sync archive: %w", err)
	}
	return count, nil
}

// Backup archives the recovery data into the backup directory under a
// timestamped name and returns the archive path.
func (s *Store) Backup(now time.Time) (string, error) {
	name := fmt.Sprintf("pl_print_backup_%s.tar.lz4", now.Format("20060102_150405"))
	dst := filepath.Join(s.dir, BackupDir, name)
	n, err := s.Archive(dst)
	if err != nil {
		return "", err
	}
	s.log.WithFields(log.Fields{"path": dst, "entries": n}).Info("recovery data archived")
	return dst, nil
}

// ReadArchive returns the entries of an archive written by Archive.
func ReadArchive(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tr := tar.NewReader(lz4.NewReader(f))
	entries := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		entries[hdr.Name] = data
	}
	return entries, nil
}

// ListBackups returns archive paths, oldest first.
func (s *Store) ListBackups() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, BackupDir, "pl_print_backup_*.tar.lz4"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
