package staging

import (
	"os"
	"path/filepath"
	"testing"

	"syndro/internal/domain"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocal(t.TempDir(), t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStageEmitsEventAndListsPending(t *testing.T) {
	store := newTestStore(t)
	path := writeTemp(t, store.TempDir(), "incoming.txt", "payload")

	staged, err := store.Stage("photo.jpg", path, 7)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if staged.Status != domain.StagedStatusPending {
		t.Fatalf("expected pending status, got %q", staged.Status)
	}

	select {
	case event := <-store.Staged():
		if event.ID != staged.ID || event.Status != domain.StagedStatusPending {
			t.Fatalf("unexpected event: %+v", event)
		}
	default:
		t.Fatalf("expected a staged-file event")
	}

	files := store.List()
	if len(files) != 1 || files[0].Name != "photo.jpg" {
		t.Fatalf("unexpected list: %+v", files)
	}
}

func TestSaveMovesIntoFinalDirectory(t *testing.T) {
	store := newTestStore(t)
	path := writeTemp(t, store.TempDir(), "incoming.txt", "payload")
	staged, _ := store.Stage("report.txt", path, 7)

	if !store.Save(staged.ID) {
		t.Fatalf("save failed")
	}

	saved, _ := store.Get(staged.ID)
	if saved.Status != domain.StagedStatusSaved {
		t.Fatalf("expected saved status, got %q", saved.Status)
	}
	content, err := os.ReadFile(saved.FinalPath)
	if err != nil || string(content) != "payload" {
		t.Fatalf("final file wrong: %v %q", err, content)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("temp copy should be gone after save")
	}
}

func TestSaveAvoidsNameCollisions(t *testing.T) {
	store := newTestStore(t)

	first := writeTemp(t, store.TempDir(), "a", "one")
	second := writeTemp(t, store.TempDir(), "b", "two")
	stagedA, _ := store.Stage("notes.txt", first, 3)
	stagedB, _ := store.Stage("notes.txt", second, 3)

	if !store.Save(stagedA.ID) || !store.Save(stagedB.ID) {
		t.Fatalf("both saves should succeed")
	}

	savedA, _ := store.Get(stagedA.ID)
	savedB, _ := store.Get(stagedB.ID)
	if savedA.FinalPath == savedB.FinalPath {
		t.Fatalf("collision: both saved to %s", savedA.FinalPath)
	}
}

func TestDiscardRemovesTempArtifact(t *testing.T) {
	store := newTestStore(t)
	path := writeTemp(t, store.TempDir(), "incoming.txt", "payload")
	staged, _ := store.Stage("junk.bin", path, 7)

	if !store.Discard(staged.ID) {
		t.Fatalf("discard failed")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("temp artifact should be deleted")
	}
	discarded, _ := store.Get(staged.ID)
	if discarded.Status != domain.StagedStatusDiscarded {
		t.Fatalf("expected discarded status, got %q", discarded.Status)
	}

	// Resolved files cannot be re-resolved.
	if store.Discard(staged.ID) || store.Save(staged.ID) {
		t.Fatalf("resolved file must not resolve twice")
	}
}

func TestBulkOperationsReportPerItemOutcomes(t *testing.T) {
	store := newTestStore(t)
	pathA := writeTemp(t, store.TempDir(), "a", "one")
	pathB := writeTemp(t, store.TempDir(), "b", "two")
	store.Stage("a.txt", pathA, 3)
	stagedB, _ := store.Stage("b.txt", pathB, 3)
	store.Discard(stagedB.ID)

	summary := store.SaveAll()
	if summary.Succeeded != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(summary.Items) != 1 || summary.Items[0].Name != "a.txt" {
		t.Fatalf("unexpected items: %+v", summary.Items)
	}
}

func TestDisposeDeletesUnresolvedAndClosesStream(t *testing.T) {
	store := newTestStore(t)
	path := writeTemp(t, store.TempDir(), "incoming.txt", "payload")
	store.Stage("pending.txt", path, 7)
	<-store.Staged()

	store.Dispose()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("unresolved temp file should be deleted on dispose")
	}
	if _, open := <-store.Staged(); open {
		t.Fatalf("event stream should be closed")
	}
	if _, err := store.Stage("late.txt", path, 1); err == nil {
		t.Fatalf("staging after dispose must fail")
	}
}
