package engine

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/korjavin/officehours/pkg/fairness"
	"github.com/korjavin/officehours/pkg/models"
	"github.com/korjavin/officehours/pkg/staffing"
	"github.com/korjavin/officehours/pkg/state"
	"github.com/korjavin/officehours/pkg/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEngine(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()
	store := newTestStore(t)
	return New(store, state.NewGraceTracker(2*time.Minute)), store
}

func findEvent(t *testing.T, events []models.Event, typ models.EventType) models.Event {
	t.Helper()
	for _, ev := range events {
		if ev.Type == typ {
			return ev
		}
	}
	t.Fatalf("expected %s event, got %+v", typ, events)
	return models.Event{}
}

func hasEvent(events []models.Event, typ models.EventType) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestJoinRequiresPresentStaff(t *testing.T) {
	eng, _ := newTestEngine(t)
	if _, err := eng.Join("s1", "x"); !errors.Is(err, fairness.ErrSectionClosed) {
		t.Fatalf("expected ErrSectionClosed, got %v", err)
	}
}

// The core serve cycle: open, two joins, claim, complete, claim, empty.
func TestServeScenario(t *testing.T) {
	eng, _ := newTestEngine(t)

	if _, err := eng.StaffOpen("s1", "ta"); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	joinX, err := eng.Join("s1", "x")
	if err != nil {
		t.Fatalf("join x failed: %v", err)
	}
	if ev := findEvent(t, joinX, models.EventJoined); ev.Position != 1 {
		t.Fatalf("x should join at position 1, got %d", ev.Position)
	}

	joinY, err := eng.Join("s1", "y")
	if err != nil {
		t.Fatalf("join y failed: %v", err)
	}
	if ev := findEvent(t, joinY, models.EventJoined); ev.Position != 2 {
		t.Fatalf("y should join at position 2, got %d", ev.Position)
	}

	claim1, err := eng.Claim("s1", "ta")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	claimed := findEvent(t, claim1, models.EventClaimed)
	if claimed.StudentKey != "x" {
		t.Fatalf("expected x claimed first, got %s", claimed.StudentKey)
	}
	serving := findEvent(t, claim1, models.EventNowServing)
	if serving.StaffKey != "ta" || serving.EntryID != claimed.EntryID {
		t.Fatalf("unexpected now-serving event: %+v", serving)
	}
	posY := findEvent(t, claim1, models.EventPositionUpdate)
	if posY.StudentKey != "y" || posY.Position != 1 {
		t.Fatalf("y should move to position 1, got %+v", posY)
	}

	done1, err := eng.Complete("s1", "ta")
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if ev := findEvent(t, done1, models.EventSessionComplete); ev.StudentKey != "x" {
		t.Fatalf("expected x's session completed, got %+v", ev)
	}

	claim2, err := eng.Claim("s1", "ta")
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if ev := findEvent(t, claim2, models.EventClaimed); ev.StudentKey != "y" {
		t.Fatalf("expected y claimed second, got %s", ev.StudentKey)
	}
	if _, err := eng.Complete("s1", "ta"); err != nil {
		t.Fatalf("second complete failed: %v", err)
	}

	// Empty queue: a non-fatal signal, nothing committed
	before, _ := eng.Snapshot("s1")
	empty, err := eng.Claim("s1", "ta")
	if err != nil {
		t.Fatalf("claim on empty queue must not error: %v", err)
	}
	if !hasEvent(empty, models.EventEmptyQueue) {
		t.Fatalf("expected EmptyQueue event, got %+v", empty)
	}
	after, _ := eng.Snapshot("s1")
	if before.Seq != after.Seq {
		t.Fatalf("empty claim must not advance the sequence: %d -> %d", before.Seq, after.Seq)
	}
	if after.Staff["ta"].State != models.StaffOpen {
		t.Fatalf("staff should stay open after empty claim, got %s", after.Staff["ta"].State)
	}
}

func TestFailedOperationLeavesSnapshotUntouched(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustOpen(t, eng, "s1", "ta")
	mustJoin(t, eng, "s1", "x")

	before := snapshotJSON(t, eng, "s1")

	if _, err := eng.Join("s1", "x"); !errors.Is(err, fairness.ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
	if _, err := eng.Complete("s1", "ta"); err == nil {
		t.Fatal("expected complete without serving to fail")
	}
	if _, err := eng.LeaveByStudent("s1", "ghost"); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("expected ErrNotWaiting, got %v", err)
	}

	after := snapshotJSON(t, eng, "s1")
	if before != after {
		t.Fatalf("failed operations must not change the snapshot:\nbefore: %s\nafter:  %s", before, after)
	}
}

func TestLeaveLosesRaceAgainstClaim(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustOpen(t, eng, "s1", "ta")
	joined := mustJoin(t, eng, "s1", "x")
	entryID := findEvent(t, joined, models.EventJoined).EntryID

	if _, err := eng.Claim("s1", "ta"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if _, err := eng.Leave("s1", entryID); !errors.Is(err, ErrEntryAlreadyClaimed) {
		t.Fatalf("expected ErrEntryAlreadyClaimed, got %v", err)
	}
}

// Staff disconnect must not penalize the student: the served entry
// returns to the front even though others joined later.
func TestCloseWhileServingReleasesToFront(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustOpen(t, eng, "s1", "ta")
	joinedX := mustJoin(t, eng, "s1", "x")
	entryX := findEvent(t, joinedX, models.EventJoined).EntryID

	if _, err := eng.Claim("s1", "ta"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	mustJoin(t, eng, "s1", "y")
	mustJoin(t, eng, "s1", "z")

	events, err := eng.StaffClose("s1", "ta")
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	returned := findEvent(t, events, models.EventReturnedToQueue)
	if returned.EntryID != entryX || returned.Position != 1 {
		t.Fatalf("x should return to position 1, got %+v", returned)
	}

	snap, _ := eng.Snapshot("s1")
	waiting := fairness.Waiting(snap)
	if len(waiting) != 3 {
		t.Fatalf("expected 3 waiting entries, got %d", len(waiting))
	}
	wantOrder := []string{"x", "y", "z"}
	for i, studentKey := range wantOrder {
		if waiting[i].StudentKey != studentKey {
			t.Fatalf("position %d: expected %s, got %s", i+1, studentKey, waiting[i].StudentKey)
		}
	}
	if snap.Staff["ta"].State != models.StaffClosed {
		t.Fatalf("staff should be closed, got %s", snap.Staff["ta"].State)
	}

	// Section is now fully closed for new joins
	if _, err := eng.Join("s1", "w"); !errors.Is(err, fairness.ErrSectionClosed) {
		t.Fatalf("expected ErrSectionClosed after last staff closed, got %v", err)
	}
}

func TestClaimExclusivity(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustOpen(t, eng, "s1", "ta")
	mustOpen(t, eng, "s1", "tb")
	mustJoin(t, eng, "s1", "x")

	first, err := eng.Claim("s1", "ta")
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	findEvent(t, first, models.EventClaimed)

	second, err := eng.Claim("s1", "tb")
	if err != nil {
		t.Fatalf("second claim must not error: %v", err)
	}
	if !hasEvent(second, models.EventEmptyQueue) {
		t.Fatalf("second claim should find an empty queue, got %+v", second)
	}

	snap, _ := eng.Snapshot("s1")
	if err := Verify(snap); err != nil {
		t.Fatalf("invariants violated: %v", err)
	}
}

func TestRejoinGraceRestoresPosition(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustOpen(t, eng, "s1", "ta")
	mustJoin(t, eng, "s1", "x")
	mustJoin(t, eng, "s1", "y")

	if _, err := eng.LeaveByStudent("s1", "x"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}

	rejoined, err := eng.Join("s1", "x")
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if ev := findEvent(t, rejoined, models.EventJoined); ev.Position != 1 {
		t.Fatalf("x should get their old position back, got %d", ev.Position)
	}
}

func TestReplayMatchesCommittedSnapshot(t *testing.T) {
	eng, store := newTestEngine(t)

	mustOpen(t, eng, "s1", "ta")
	mustJoin(t, eng, "s1", "x")
	mustJoin(t, eng, "s1", "y")
	if _, err := eng.Claim("s1", "ta"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := eng.Complete("s1", "ta"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	until := time.Now().UTC().Add(10 * time.Minute)
	if _, err := eng.StartBreak("s1", "ta", until); err != nil {
		t.Fatalf("break failed: %v", err)
	}
	if _, err := eng.EndBreak("s1", "ta"); err != nil {
		t.Fatalf("end break failed: %v", err)
	}
	if _, err := eng.Claim("s1", "ta"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := eng.StaffClose("s1", "ta"); err != nil {
		t.Fatalf("close (release) failed: %v", err)
	}

	replayed, err := eng.Replay("s1")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	stored, err := store.LoadSnapshot("s1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	replayedJSON, _ := json.Marshal(replayed)
	storedJSON, _ := json.Marshal(stored)
	if string(replayedJSON) != string(storedJSON) {
		t.Fatalf("replayed snapshot differs from committed one:\nreplayed: %s\nstored:   %s", replayedJSON, storedJSON)
	}
}

func TestRestartReloadsSections(t *testing.T) {
	store := newTestStore(t)
	eng := New(store, state.NewGraceTracker(2*time.Minute))

	mustOpen(t, eng, "s1", "ta")
	mustJoin(t, eng, "s1", "x")
	mustJoin(t, eng, "s1", "y")
	snapBefore, _ := eng.Snapshot("s1")

	// A fresh engine over the same store simulates a restart
	restarted := New(store, state.NewGraceTracker(2*time.Minute))
	snapAfter, err := restarted.Snapshot("s1")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if snapAfter.Seq != snapBefore.Seq {
		t.Fatalf("sequence lost over restart: %d != %d", snapAfter.Seq, snapBefore.Seq)
	}

	waiting := fairness.Waiting(snapAfter)
	if len(waiting) != 2 || waiting[0].StudentKey != "x" || waiting[1].StudentKey != "y" {
		t.Fatalf("ordering lost over restart: %+v", waiting)
	}

	// And the restarted engine keeps committing from where it left off
	events, err := restarted.Claim("s1", "ta")
	if err != nil {
		t.Fatalf("claim after restart failed: %v", err)
	}
	if ev := findEvent(t, events, models.EventClaimed); ev.Seq != snapBefore.Seq+1 {
		t.Fatalf("expected seq %d after restart, got %d", snapBefore.Seq+1, ev.Seq)
	}
}

func TestCorruptedSectionIsQuarantined(t *testing.T) {
	store := newTestStore(t)

	// Two staff sessions claiming the same entry
	snap := models.NewSectionSnapshot("bad")
	snap.Seq = 4
	snap.Entries = []models.QueueEntry{
		{ID: "e1", StudentKey: "x", SectionID: "bad", JoinedAt: time.Now().UTC(), State: models.EntryClaimed},
	}
	snap.Staff = map[string]models.StaffSession{
		"ta": {StaffKey: "ta", State: models.StaffServing, CurrentEntryID: "e1"},
		"tb": {StaffKey: "tb", State: models.StaffServing, CurrentEntryID: "e1"},
	}
	if err := store.SaveSnapshot(snap); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	eng := New(store, state.NewGraceTracker(2*time.Minute))
	if _, err := eng.Join("bad", "y"); !errors.Is(err, ErrSectionCorrupted) {
		t.Fatalf("expected ErrSectionCorrupted, got %v", err)
	}
	// Still quarantined on the next call
	if _, err := eng.Claim("bad", "ta"); !errors.Is(err, ErrSectionCorrupted) {
		t.Fatalf("expected quarantine to stick, got %v", err)
	}

	// Other sections are unaffected
	if _, err := eng.StaffOpen("good", "ta"); err != nil {
		t.Fatalf("healthy section must keep working: %v", err)
	}
}

func TestBreakExpirySweep(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustOpen(t, eng, "s1", "ta")

	past := time.Now().UTC().Add(-time.Minute)
	if _, err := eng.StartBreak("s1", "ta", past); err != nil {
		t.Fatalf("start break failed: %v", err)
	}

	events := eng.ExpireBreaks(time.Now().UTC())
	if !hasEvent(events, models.EventBreakEnded) {
		t.Fatalf("expected BreakEnded from sweep, got %+v", events)
	}

	snap, _ := eng.Snapshot("s1")
	if snap.Staff["ta"].State != models.StaffOpen {
		t.Fatalf("staff should be open after sweep, got %s", snap.Staff["ta"].State)
	}

	// Nothing left to sweep
	if events := eng.ExpireBreaks(time.Now().UTC()); len(events) != 0 {
		t.Fatalf("expected no further sweeps, got %+v", events)
	}
}

func TestStartBreakWhileServingIsInvalid(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustOpen(t, eng, "s1", "ta")
	mustJoin(t, eng, "s1", "x")
	if _, err := eng.Claim("s1", "ta"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	_, err := eng.StartBreak("s1", "ta", time.Now().UTC().Add(10*time.Minute))
	var invalid *staffing.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != models.StaffServing {
		t.Fatalf("unexpected error detail: %+v", invalid)
	}
}

func mustOpen(t *testing.T, eng *Engine, sectionID, staffKey string) {
	t.Helper()
	if _, err := eng.StaffOpen(sectionID, staffKey); err != nil {
		t.Fatalf("open %s failed: %v", staffKey, err)
	}
}

func mustJoin(t *testing.T, eng *Engine, sectionID, studentKey string) []models.Event {
	t.Helper()
	events, err := eng.Join(sectionID, studentKey)
	if err != nil {
		t.Fatalf("join %s failed: %v", studentKey, err)
	}
	return events
}

func snapshotJSON(t *testing.T, eng *Engine, sectionID string) string {
	t.Helper()
	snap, err := eng.Snapshot(sectionID)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return string(data)
}
