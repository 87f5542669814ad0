package receive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"syndro/internal/transfer"
)

var (
	errChunkOutOfRange = errors.New("chunk index out of range")
	errChunkSize       = errors.New("chunk size mismatch")
	errIncomplete      = errors.New("transfer incomplete")
	errFinished        = errors.New("transfer already finished")
)

// assembly is one in-progress chunked upload: a preallocated temp file
// that chunks are written into at their offsets, in any order, possibly
// concurrently.
type assembly struct {
	id          string
	name        string
	size        int64
	chunkSize   int64
	totalChunks int
	cipher      *transfer.Cipher
	path        string
	file        *os.File
	createdAt   time.Time

	mu       sync.Mutex
	received map[int]struct{}
	finished bool
}

func newAssembly(tempDir, name string, size, chunkSize int64, totalChunks int, cipher *transfer.Cipher, now time.Time) (*assembly, error) {
	id := uuid.NewString()
	path := filepath.Join(tempDir, "partial-"+id)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return &assembly{
		id:          id,
		name:        name,
		size:        size,
		chunkSize:   chunkSize,
		totalChunks: totalChunks,
		cipher:      cipher,
		path:        path,
		file:        file,
		createdAt:   now,
		received:    map[int]struct{}{},
	}, nil
}

// writeChunk decrypts a chunk if needed and writes it at its offset.
// Re-sent chunks overwrite their own bytes, which makes retries free.
// Returns the number of distinct chunks received so far.
func (a *assembly) writeChunk(index int, originalSize int64, encrypted bool, payload []byte) (int, error) {
	if index >= a.totalChunks {
		return 0, errChunkOutOfRange
	}

	data := payload
	if encrypted {
		if a.cipher == nil {
			return 0, fmt.Errorf("encrypted chunk on unencrypted transfer")
		}
		plain, err := a.cipher.Open(payload)
		if err != nil {
			return 0, err
		}
		data = plain
	}
	if int64(len(data)) != originalSize {
		return 0, errChunkSize
	}

	offset := int64(index) * a.chunkSize
	if offset+originalSize > a.size {
		return 0, errChunkOutOfRange
	}

	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return 0, errFinished
	}
	a.mu.Unlock()

	// WriteAt is a positioned write; chunks from parallel workers do not
	// contend on a shared file offset.
	if _, err := a.file.WriteAt(data, offset); err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.received[index] = struct{}{}
	return len(a.received), nil
}

// finish closes the temp file once every chunk arrived and returns its
// path for hash verification.
func (a *assembly) finish() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finished {
		return "", errFinished
	}
	if len(a.received) != a.totalChunks {
		return "", errIncomplete
	}
	a.finished = true
	if err := a.file.Close(); err != nil {
		return "", err
	}
	return a.path, nil
}

// abort drops the assembly and its temp file.
func (a *assembly) abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.finished {
		a.finished = true
		_ = a.file.Close()
	}
	_ = os.Remove(a.path)
}
