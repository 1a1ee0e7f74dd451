//go:build !linux

// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package checkpoint

import "os"

func syncFile(f *os.File) error {
	return f.Sync()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Not every platform supports syncing a directory handle.
	_ = d.Sync()
	return nil
}
