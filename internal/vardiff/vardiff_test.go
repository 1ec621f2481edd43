package vardiff

import (
	"testing"
	"time"
)

func TestSuggestRequiresFullWindow(t *testing.T) {
	c := New(1)
	for i := 0; i < Samples-1; i++ {
		c.RecordShare(time.Now())
	}
	if _, ok := c.Suggest(1024); ok {
		t.Error("expected no suggestion before Samples timestamps recorded")
	}
}

func TestSuggestUpshiftOnFastShares(t *testing.T) {
	// Scenario 7: 16 submissions at 5s intervals with current=1024 should
	// propose current*4 snapped to a power of two.
	c := New(1)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < Samples; i++ {
		c.RecordShare(base.Add(time.Duration(i) * 5 * time.Second))
	}

	got, ok := c.Suggest(1024)
	if !ok {
		t.Fatal("expected a retarget suggestion")
	}
	if got != 4096 {
		t.Errorf("Suggest = %v, want 4096 (1024*4, rate 4x target)", got)
	}
}

func TestSuggestIdempotentWithoutNewSamples(t *testing.T) {
	c := New(1)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < Samples; i++ {
		c.RecordShare(base.Add(time.Duration(i) * 5 * time.Second))
	}

	first, _ := c.Suggest(1024)
	second, _ := c.Suggest(1024)
	if first != second {
		t.Errorf("repeated Suggest without new samples: %v != %v", first, second)
	}
}

func TestSuggestClampedToFloor(t *testing.T) {
	c := New(512)
	base := time.Unix(1_700_000_000, 0)
	// Very slow shares (100s apart) should push difficulty down, but never
	// below the configured floor.
	for i := 0; i < Samples; i++ {
		c.RecordShare(base.Add(time.Duration(i) * 100 * time.Second))
	}

	got, ok := c.Suggest(1024)
	if ok && got < 512 {
		t.Errorf("Suggest = %v, want >= floor 512", got)
	}
}
