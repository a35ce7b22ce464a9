//go:build !unix

package mmap

import "os"

// File falls back to a full read on platforms without mmap support.
type File struct {
	data []byte
	f    *os.File
}

// Open reads the file at path into memory.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &File{data: data, f: f}, nil
}

// Bytes returns the file contents.
func (m *File) Bytes() []byte { return m.data }

// Len returns the content length.
func (m *File) Len() int { return len(m.data) }

// Close releases the buffer and closes the file.
func (m *File) Close() error {
	m.data = nil
	return m.f.Close()
}
