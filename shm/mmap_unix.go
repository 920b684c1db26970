//go:build unix

// Package shm creates and maps the shared log files the driver hands to
// publishers and subscribers.  The driver has exclusive write access to the
// files it creates; user processes map the same file by name.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MappedFile is a file mapped read-write into this process.
type MappedFile struct {
	file *os.File
	data []byte
	path string
}

// CreateLogFile creates a new log file of the given length, zero-filled, and
// maps it read-write.  Creation is exclusive: an existing file is an error.
func CreateLogFile(path string, length int64) (*MappedFile, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create log file %s: %w", path, err)
	}

	if err := file.Truncate(length); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("resize log file %s to %d: %w", path, length, err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("mmap log file %s: %w", path, err)
	}

	return &MappedFile{file: file, data: data, path: path}, nil
}

// MapExistingFile maps an already created log file read-write.
func MapExistingFile(path string) (*MappedFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat log file %s: %w", path, err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmap log file %s: %w", path, err)
	}

	return &MappedFile{file: file, data: data, path: path}, nil
}

// Data returns the mapped region.
func (m *MappedFile) Data() []byte {
	return m.data
}

// Path returns the file path backing the mapping.
func (m *MappedFile) Path() string {
	return m.path
}

// Length returns the mapped length in bytes.
func (m *MappedFile) Length() int64 {
	return int64(len(m.data))
}

// Close unmaps the region and closes the file.
func (m *MappedFile) Close() error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("munmap %s: %w", m.path, err)
		}
		m.data = nil
	}
	if m.file != nil {
		err := m.file.Close()
		m.file = nil
		return err
	}
	return nil
}

// Unlink removes the backing file.  Existing mappings in other processes
// stay valid until they unmap.
func (m *MappedFile) Unlink() error {
	return os.Remove(m.path)
}
