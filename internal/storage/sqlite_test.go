package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func saveTestArtifact(t *testing.T, store *Store, id string) Artifact {
	t.Helper()
	a := Artifact{
		ID:        id,
		OwnerID:   "user-1",
		Name:      "lecture1.pdf",
		Modality:  "document",
		Locator:   "file:///tmp/lecture1.pdf",
		CourseID:  "cs101",
		DocType:   "lecture",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := store.SaveArtifact(a); err != nil {
		t.Fatalf("saving artifact: %v", err)
	}
	return a
}

func TestArtifactRoundTrip(t *testing.T) {
	store := openTestStore(t)
	want := saveTestArtifact(t, store, "art-1")

	got, err := store.GetArtifact("art-1")
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if got.OwnerID != want.OwnerID || got.Modality != want.Modality || got.DocType != want.DocType {
		t.Errorf("got %+v, want %+v", got, want)
	}

	if _, err := store.GetArtifact("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing artifact err = %v, want ErrNotFound", err)
	}
}

func TestListArtifactsScopedToOwner(t *testing.T) {
	store := openTestStore(t)
	saveTestArtifact(t, store, "art-1")
	other := Artifact{ID: "art-2", OwnerID: "user-2", Name: "x", Modality: "document", Locator: "l", CreatedAt: time.Now()}
	if err := store.SaveArtifact(other); err != nil {
		t.Fatal(err)
	}

	list, err := store.ListArtifacts("user-1")
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(list) != 1 || list[0].ID != "art-1" {
		t.Errorf("list = %+v", list)
	}
}

func TestCreateJobRejectsSecondActive(t *testing.T) {
	store := openTestStore(t)
	saveTestArtifact(t, store, "art-1")

	if err := store.CreateJob(Job{ID: "job-1", ArtifactID: "art-1"}); err != nil {
		t.Fatalf("first CreateJob: %v", err)
	}
	err := store.CreateJob(Job{ID: "job-2", ArtifactID: "art-1"})
	if !errors.Is(err, ErrJobActive) {
		t.Fatalf("second CreateJob err = %v, want ErrJobActive", err)
	}

	// Claiming (running) keeps the slot occupied.
	if _, err := store.ClaimNextJob(); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateJob(Job{ID: "job-3", ArtifactID: "art-1"}); !errors.Is(err, ErrJobActive) {
		t.Fatalf("CreateJob while running err = %v, want ErrJobActive", err)
	}

	// A terminal job frees the slot.
	if err := store.CompleteJob("job-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateJob(Job{ID: "job-4", ArtifactID: "art-1"}); err != nil {
		t.Fatalf("CreateJob after completion: %v", err)
	}
}

func TestClaimNextJobMarksRunning(t *testing.T) {
	store := openTestStore(t)
	saveTestArtifact(t, store, "art-1")
	if err := store.CreateJob(Job{ID: "job-1", ArtifactID: "art-1"}); err != nil {
		t.Fatal(err)
	}

	j, err := store.ClaimNextJob()
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if j == nil || j.ID != "job-1" || j.Status != "running" {
		t.Fatalf("claimed = %+v", j)
	}

	again, err := store.ClaimNextJob()
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Errorf("second claim = %+v, want nil", again)
	}
}

func TestFailJobRetriesWithBackoffThenFails(t *testing.T) {
	store := openTestStore(t)
	saveTestArtifact(t, store, "art-1")
	if err := store.CreateJob(Job{ID: "job-1", ArtifactID: "art-1", MaxAttempts: 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNextJob(); err != nil {
		t.Fatal(err)
	}

	if err := store.FailJob("job-1", "embedding", "model timeout"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, err := store.GetJob("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != "queued" || j.Attempts != 1 {
		t.Errorf("after first failure: status=%s attempts=%d", j.Status, j.Attempts)
	}
	if !j.RunAfter.After(time.Now().UTC()) {
		t.Errorf("run_after not pushed into the future: %v", j.RunAfter)
	}

	if err := store.FailJob("job-1", "embedding", "model timeout"); err != nil {
		t.Fatal(err)
	}
	j, err = store.GetJob("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != "failed" || j.Stage != "embedding" || j.LastError != "model timeout" {
		t.Errorf("after final failure: %+v", j)
	}
	if !j.Resumable {
		t.Error("ordinary failure should stay resumable")
	}
}

func TestFailJobPermanentNotResumable(t *testing.T) {
	store := openTestStore(t)
	saveTestArtifact(t, store, "art-1")
	if err := store.CreateJob(Job{ID: "job-1", ArtifactID: "art-1"}); err != nil {
		t.Fatal(err)
	}

	if err := store.FailJobPermanent("job-1", "chunking", "checkpoint corrupt: invalid payload", false); err != nil {
		t.Fatalf("FailJobPermanent: %v", err)
	}
	j, err := store.GetJob("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != "failed" || j.Resumable {
		t.Errorf("job = %+v, want failed and not resumable", j)
	}
}

func TestRequeueJobFromScratchDropsCheckpoint(t *testing.T) {
	store := openTestStore(t)
	saveTestArtifact(t, store, "art-1")
	if err := store.CreateJob(Job{ID: "job-1", ArtifactID: "art-1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveCheckpoint("job-1", []byte(`{"stage":"chunking"}`)); err != nil {
		t.Fatal(err)
	}
	if err := store.FailJobPermanent("job-1", "chunking", "checkpoint corrupt", false); err != nil {
		t.Fatal(err)
	}

	if err := store.RequeueJob("job-1", true); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}
	j, err := store.GetJob("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != "queued" || j.Stage != "pending" || !j.Resumable {
		t.Errorf("job = %+v", j)
	}
	if _, err := store.LoadCheckpoint("job-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("checkpoint survived a from-scratch requeue: %v", err)
	}
}

func TestRequestCancelOnlyNonTerminal(t *testing.T) {
	store := openTestStore(t)
	saveTestArtifact(t, store, "art-1")
	if err := store.CreateJob(Job{ID: "job-1", ArtifactID: "art-1"}); err != nil {
		t.Fatal(err)
	}

	if err := store.RequestCancel("job-1"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	flagged, err := store.CancelRequested("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if !flagged {
		t.Error("cancel flag not set")
	}

	if err := store.CompleteJob("job-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.RequestCancel("job-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel of terminal job err = %v, want ErrNotFound", err)
	}
}

func TestRequeueOrphans(t *testing.T) {
	store := openTestStore(t)
	saveTestArtifact(t, store, "art-1")
	if err := store.CreateJob(Job{ID: "job-1", ArtifactID: "art-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNextJob(); err != nil {
		t.Fatal(err)
	}

	n, err := store.RequeueOrphans()
	if err != nil {
		t.Fatalf("RequeueOrphans: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}
	j, err := store.GetJob("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != "queued" {
		t.Errorf("status = %s, want queued", j.Status)
	}
}

func TestCheckpointUpsert(t *testing.T) {
	store := openTestStore(t)
	saveTestArtifact(t, store, "art-1")
	if err := store.CreateJob(Job{ID: "job-1", ArtifactID: "art-1"}); err != nil {
		t.Fatal(err)
	}

	if err := store.SaveCheckpoint("job-1", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveCheckpoint("job-1", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	payload, err := store.LoadCheckpoint("job-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if string(payload) != "v2" {
		t.Errorf("payload = %q, want v2", payload)
	}
}

func TestDeleteArtifactCascades(t *testing.T) {
	store := openTestStore(t)
	saveTestArtifact(t, store, "art-1")
	if err := store.CreateJob(Job{ID: "job-1", ArtifactID: "art-1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveCheckpoint("job-1", []byte("x")); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteArtifact("art-1"); err != nil {
		t.Fatalf("DeleteArtifact: %v", err)
	}
	if _, err := store.GetJob("job-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("job survived delete: %v", err)
	}
	if _, err := store.LoadCheckpoint("job-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("checkpoint survived delete: %v", err)
	}
}

func TestTurnsWindow(t *testing.T) {
	store := openTestStore(t)
	for i := 0; i < 5; i++ {
		if err := store.AppendTurn("sess-1", "q", "a"); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.AppendTurn("sess-2", "other", "other"); err != nil {
		t.Fatal(err)
	}

	turns, err := store.RecentTurns("sess-1", 3)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("len = %d, want 3", len(turns))
	}
	if turns[0].Seq >= turns[1].Seq || turns[1].Seq >= turns[2].Seq {
		t.Errorf("turns not chronological: %+v", turns)
	}

	if err := store.PruneTurns("sess-1", 2); err != nil {
		t.Fatalf("PruneTurns: %v", err)
	}
	turns, err = store.RecentTurns("sess-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Errorf("after prune len = %d, want 2", len(turns))
	}
}
