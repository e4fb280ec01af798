package lwc

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultDir is where shared rings are created.
const DefaultDir = "/dev/shm"

// Path returns the backing file path for a ring name.
func Path(dir, name string) string {
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, name)
}

// Create makes a new shared ring backed by the file at path. The file must
// not already exist. The producer owns the file and removes it with Remove.
func Create(path string, capacity, slotSize int) (*Ring, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if slotSize <= 0 {
		return nil, errors.Errorf("invalid slot size %d", slotSize)
	}
	size := Size(capacity, slotSize)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "create ring file")
	}
	defer file.Close()
	if err := file.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, errors.Wrap(err, "size ring file")
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, errors.Wrap(err, "map ring file")
	}

	r := &Ring{
		mem:      mem,
		capacity: capacity,
		slotSize: slotSize,
		release:  func() error { return unix.Munmap(mem) },
	}
	r.init()
	return r, nil
}

// Open maps an existing shared ring for the consumer side.
func Open(path string) (*Ring, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open ring file")
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat ring file")
	}
	size := int(info.Size())
	if size == 0 {
		return nil, errors.Wrap(errLayout, "empty ring file")
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "map ring file")
	}
	r, err := attach(mem, func() error { return unix.Munmap(mem) })
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return r, nil
}

// Remove unlinks the backing file. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove ring file")
	}
	return nil
}
