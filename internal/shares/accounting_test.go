package shares

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestSubmitAcceptsFirstThenDuplicate(t *testing.T) {
	a := New(zap.NewNop(), nil, "sess-1")
	a.SetIdentity("addr1", "worker1")

	v := a.Submit(context.Background(), "job-1", "deadbeef", 100, 42, true, 5000, "hash1")
	if v != Accepted {
		t.Fatalf("first submit = %v, want Accepted", v)
	}

	v = a.Submit(context.Background(), "job-1", "deadbeef", 100, 42, true, 5000, "hash1")
	if v != Duplicate {
		t.Fatalf("repeat submit = %v, want Duplicate", v)
	}
}

func TestSubmitDifferentNonceIsNotDuplicate(t *testing.T) {
	a := New(zap.NewNop(), nil, "sess-1")

	a.Submit(context.Background(), "job-1", "deadbeef", 100, 1, true, 5000, "h1")
	v := a.Submit(context.Background(), "job-1", "deadbeef", 100, 2, true, 5000, "h2")
	if v != Accepted {
		t.Fatalf("different nonce submit = %v, want Accepted", v)
	}
}

func TestSubmitStaleJobNotRecorded(t *testing.T) {
	a := New(zap.NewNop(), nil, "sess-1")

	v := a.Submit(context.Background(), "old-job", "deadbeef", 100, 1, false, 5000, "h1")
	if v != Stale {
		t.Fatalf("submit on non-current job = %v, want Stale", v)
	}
	if a.BestDifficulty() != 0 {
		t.Errorf("stale submission must not update best difficulty")
	}

	// The same tuple on the current job should still be accepted: a stale
	// rejection must not poison the dedup set.
	v = a.Submit(context.Background(), "old-job", "deadbeef", 100, 1, true, 5000, "h1")
	if v != Accepted {
		t.Fatalf("retry with job marked current = %v, want Accepted", v)
	}
}

func TestBestDifficultyTracksMaximum(t *testing.T) {
	a := New(zap.NewNop(), nil, "sess-1")

	a.Submit(context.Background(), "job-1", "e2", 1, 1, true, 1000, "h1")
	a.Submit(context.Background(), "job-1", "e2", 1, 2, true, 500, "h2")
	a.Submit(context.Background(), "job-1", "e2", 1, 3, true, 9000, "h3")

	if a.BestDifficulty() != 9000 {
		t.Errorf("BestDifficulty = %v, want 9000", a.BestDifficulty())
	}
}
