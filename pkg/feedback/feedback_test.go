package feedback

import (
	"testing"

	"github.com/korjavin/officehours/pkg/models"
	"github.com/korjavin/officehours/pkg/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func completeEvent(seq uint64, studentKey string) models.Event {
	return models.Event{
		Type:       models.EventSessionComplete,
		SectionID:  "s1",
		Seq:        seq,
		EntryID:    "e1",
		StudentKey: studentKey,
		StaffKey:   "ta",
	}
}

func TestRecordRating(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.OpenRequest(completeEvent(3, "x")); err != nil {
		t.Fatalf("open request failed: %v", err)
	}

	fb, err := svc.RecordRating("s1", 3, "x", 4)
	if err != nil {
		t.Fatalf("record rating failed: %v", err)
	}
	if fb.Stars != 4 || fb.RatedAt.IsZero() {
		t.Fatalf("rating not recorded: %+v", fb)
	}
}

func TestRecordRatingValidation(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.OpenRequest(completeEvent(3, "x")); err != nil {
		t.Fatalf("open request failed: %v", err)
	}

	if _, err := svc.RecordRating("s1", 3, "x", 6); err == nil {
		t.Fatal("expected out-of-range stars to be rejected")
	}
	if _, err := svc.RecordRating("s1", 99, "x", 4); err == nil {
		t.Fatal("expected unknown session to be rejected")
	}
	if _, err := svc.RecordRating("s1", 3, "someone-else", 4); err == nil {
		t.Fatal("expected foreign rating to be rejected")
	}

	if _, err := svc.RecordRating("s1", 3, "x", 4); err != nil {
		t.Fatalf("record rating failed: %v", err)
	}
	if _, err := svc.RecordRating("s1", 3, "x", 5); err == nil {
		t.Fatal("expected double rating to be rejected")
	}
}

func TestSectionSummary(t *testing.T) {
	svc := newTestService(t)

	count, avg, err := svc.SectionSummary("s1")
	if err != nil || count != 0 || avg != 0 {
		t.Fatalf("expected empty summary, got %d %.1f %v", count, avg, err)
	}

	for seq, stars := range map[uint64]int{1: 5, 2: 3} {
		if _, err := svc.OpenRequest(completeEvent(seq, "x")); err != nil {
			t.Fatalf("open request failed: %v", err)
		}
		if _, err := svc.RecordRating("s1", seq, "x", stars); err != nil {
			t.Fatalf("record rating failed: %v", err)
		}
	}
	// An unanswered prompt must not count
	if _, err := svc.OpenRequest(completeEvent(3, "y")); err != nil {
		t.Fatalf("open request failed: %v", err)
	}

	count, avg, err = svc.SectionSummary("s1")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if count != 2 || avg != 4.0 {
		t.Fatalf("expected 2 ratings averaging 4.0, got %d %.1f", count, avg)
	}
}
