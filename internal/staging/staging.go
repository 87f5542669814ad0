// Package staging holds received files in a temporary location until the
// operator decides their fate. Nothing here resolves on its own: a staged
// file moves on save, disappears on discard, and unresolved files are
// deleted when the session is disposed.
package staging

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"syndro/internal/clock"
	"syndro/internal/domain"
	"syndro/internal/logging"
)

var ErrNotFound = errors.New("staged file not found")
var ErrResolved = errors.New("staged file already resolved")

// Outcome is one entry of a bulk save/discard summary.
type Outcome struct {
	ID   string
	Name string
	OK   bool
}

// Summary reports the per-item result of SaveAll/DiscardAll.
type Summary struct {
	Succeeded int
	Failed    int
	Items     []Outcome
}

// Store is the staged-file lifecycle consumed by the upload server and the
// operator surface.
type Store interface {
	TempDir() string
	Stage(name, tempPath string, size int64) (domain.StagedFile, error)
	Save(id string) bool
	Discard(id string) bool
	SaveAll() Summary
	DiscardAll() Summary
	List() []domain.StagedFile
	Staged() <-chan domain.StagedFile
	Dispose()
}

// LocalStore keeps staged files on the local disk under tempDir and moves
// saved ones into finalDir.
type LocalStore struct {
	mu       sync.Mutex
	tempDir  string
	finalDir string
	clock    clock.Clock
	logger   *log.Logger
	files    map[string]domain.StagedFile
	order    []string
	events   chan domain.StagedFile
	disposed bool
}

func NewLocal(tempDir, finalDir string, clk clock.Clock, logger *log.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(tempDir, 0700); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(finalDir, 0700); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &LocalStore{
		tempDir:  tempDir,
		finalDir: finalDir,
		clock:    clk,
		logger:   logger,
		files:    map[string]domain.StagedFile{},
		events:   make(chan domain.StagedFile, 64),
	}, nil
}

// TempDir is where the upload server writes incoming payloads before
// handing them over.
func (s *LocalStore) TempDir() string {
	return s.tempDir
}

// Staged delivers each newly staged file once, for the operator UI.
func (s *LocalStore) Staged() <-chan domain.StagedFile {
	return s.events
}

func (s *LocalStore) Stage(name, tempPath string, size int64) (domain.StagedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return domain.StagedFile{}, ErrNotFound
	}

	file := domain.StagedFile{
		ID:         uuid.NewString(),
		Name:       name,
		TempPath:   tempPath,
		Size:       size,
		ReceivedAt: s.clock.Now(),
		Status:     domain.StagedStatusPending,
	}
	s.files[file.ID] = file
	s.order = append(s.order, file.ID)

	select {
	case s.events <- file:
	default:
	}

	logging.Allowlist(s.logger, map[string]string{
		"event": "file_staged",
		"file":  name,
		"bytes": strconv.FormatInt(size, 10),
	})
	return file, nil
}

// Save moves a pending file into the final directory. On a rename failure
// it falls back to a copy so cross-device temp directories still work.
func (s *LocalStore) Save(id string) bool {
	s.mu.Lock()
	file, ok := s.files[id]
	if !ok || file.Status != domain.StagedStatusPending {
		s.mu.Unlock()
		return false
	}
	file.Status = domain.StagedStatusSaving
	s.files[id] = file
	s.mu.Unlock()

	finalPath := availablePath(s.finalDir, file.Name)
	err := moveFile(file.TempPath, finalPath)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		file.Status = domain.StagedStatusError
		s.files[id] = file
		logging.Allowlist(s.logger, map[string]string{
			"event": "file_save_failed",
			"file":  file.Name,
			"error": err.Error(),
		})
		return false
	}
	file.Status = domain.StagedStatusSaved
	file.FinalPath = finalPath
	s.files[id] = file
	logging.Allowlist(s.logger, map[string]string{
		"event": "file_saved",
		"file":  file.Name,
	})
	return true
}

// Discard deletes the temp copy of a pending file.
func (s *LocalStore) Discard(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.files[id]
	if !ok || file.Status != domain.StagedStatusPending {
		return false
	}
	_ = os.Remove(file.TempPath)
	file.Status = domain.StagedStatusDiscarded
	s.files[id] = file
	logging.Allowlist(s.logger, map[string]string{
		"event": "file_discarded",
		"file":  file.Name,
	})
	return true
}

func (s *LocalStore) SaveAll() Summary {
	return s.bulk(s.Save)
}

func (s *LocalStore) DiscardAll() Summary {
	return s.bulk(s.Discard)
}

func (s *LocalStore) bulk(op func(string) bool) Summary {
	s.mu.Lock()
	var ids []string
	var names []string
	for _, id := range s.order {
		if file, ok := s.files[id]; ok && file.Status == domain.StagedStatusPending {
			ids = append(ids, id)
			names = append(names, file.Name)
		}
	}
	s.mu.Unlock()

	var summary Summary
	for i, id := range ids {
		ok := op(id)
		if ok {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		summary.Items = append(summary.Items, Outcome{ID: id, Name: names[i], OK: ok})
	}
	return summary
}

func (s *LocalStore) List() []domain.StagedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StagedFile, 0, len(s.order))
	for _, id := range s.order {
		if file, ok := s.files[id]; ok {
			out = append(out, file)
		}
	}
	return out
}

func (s *LocalStore) Get(id string) (domain.StagedFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.files[id]
	return file, ok
}

// Dispose deletes every still-pending temp file and closes the event
// stream. The store rejects further staging afterwards.
func (s *LocalStore) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return
	}
	s.disposed = true

	for id, file := range s.files {
		if file.Status == domain.StagedStatusPending {
			_ = os.Remove(file.TempPath)
			file.Status = domain.StagedStatusDiscarded
			s.files[id] = file
		}
	}
	close(s.events)
}

// availablePath picks a final name that does not collide with an existing
// file, suffixing " (n)" before the extension.
func availablePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}
	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]
	for n := 1; ; n++ {
		candidate = filepath.Join(dir, stem+" ("+strconv.Itoa(n)+")"+ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
