package export

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process already owns an export file
var ErrLocked = errors.New("export: file locked by another process")

// File is a newline-delimited JSON export file. The file is exclusively
// locked through a sibling ".lock" file for as long as it is open.
type File struct {
	path    string
	maxSize int64

	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	size int64
	lock *flock.Flock
}

// OpenFile opens path for appending. When maxSize is positive the file is
// rotated to path+".old" before a write would grow it past maxSize.
func OpenFile(path string, maxSize int64) (*File, error) {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock export file %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}

	file := &File{
		path:    path,
		maxSize: maxSize,
		lock:    lock,
	}
	if err := file.open(); err != nil {
		lock.Unlock()
		return nil, err
	}

	return file, nil
}

// Path returns the export file location
func (e *File) Path() string {
	return e.path
}

// Write appends one JSON object per record
func (e *File) Write(records ...any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.f == nil {
		return fmt.Errorf("export file %s is closed", e.path)
	}

	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode export record: %w", err)
		}
		line = append(line, '\n')

		if e.maxSize > 0 && e.size > 0 && e.size+int64(len(line)) > e.maxSize {
			if err := e.rotate(); err != nil {
				return err
			}
		}

		n, err := e.w.Write(line)
		e.size += int64(n)
		if err != nil {
			return fmt.Errorf("failed to write export file %s: %w", e.path, err)
		}
	}

	return e.w.Flush()
}

// Close flushes the file and releases its lock
func (e *File) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.f == nil {
		return nil
	}

	err := e.closeFile()
	if unlockErr := e.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

func (e *File) open() error {
	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open export file %s: %w", e.path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat export file %s: %w", e.path, err)
	}

	e.f = f
	e.w = bufio.NewWriter(f)
	e.size = info.Size()
	return nil
}

func (e *File) closeFile() error {
	flushErr := e.w.Flush()
	closeErr := e.f.Close()
	e.f = nil
	e.w = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (e *File) rotate() error {
	if err := e.closeFile(); err != nil {
		return fmt.Errorf("failed to close export file %s for rotation: %w", e.path, err)
	}
	if err := os.Rename(e.path, e.path+".old"); err != nil {
		return fmt.Errorf("failed to rotate export file %s: %w", e.path, err)
	}
	return e.open()
}
