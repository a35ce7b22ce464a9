//go:build unix

// Package mmap provides a minimal read-only memory-map wrapper used by
// the warm tier of the persistence manager.
package mmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File is a read-only memory-mapped file.
type File struct {
	data []byte
	f    *os.File
}

// Open maps the file at path read-only.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	if fi.Size() == 0 {
		return &File{f: f}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return &File{data: data, f: f}, nil
}

// Bytes returns the mapped region. The slice is valid until Close.
func (m *File) Bytes() []byte { return m.data }

// Len returns the mapped length.
func (m *File) Len() int { return len(m.data) }

// Close unmaps the region and closes the file.
func (m *File) Close() error {
	var unmapErr error
	if m.data != nil {
		unmapErr = unix.Munmap(m.data)
		m.data = nil
	}
	closeErr := m.f.Close()
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}
