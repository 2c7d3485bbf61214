package dedup_test

import (
	"fmt"
	"testing"

	"github.com/almudeer/engine/internal/domain/dedup"
)

func TestRecordFirstTimeTrueThenFalse(t *testing.T) {
	t.Parallel()

	c := dedup.New()

	if !c.Record("msg-1") {
		t.Fatal("Record() first call = false, want true")
	}
	if c.Record("msg-1") {
		t.Fatal("Record() second call = true, want false")
	}
	if !c.Seen("msg-1") {
		t.Fatal("Seen() = false after Record(), want true")
	}
}

func TestSameBodyDifferentIDIsNotDuplicate(t *testing.T) {
	t.Parallel()

	c := dedup.New()
	c.Record("msg-a")

	if c.Seen("msg-b") {
		t.Fatal("Seen(\"msg-b\") = true, want false (distinct channel message id)")
	}
}

func TestOverflowEvictsOldestHalf(t *testing.T) {
	t.Parallel()

	c := dedup.New()
	for i := 0; i < 1000; i++ {
		c.Record(fmt.Sprintf("msg-%d", i))
	}
	if c.Len() != 1000 {
		t.Fatalf("Len() = %d, want 1000", c.Len())
	}

	c.Record("msg-1000")

	if c.Len() != 501 {
		t.Fatalf("Len() after overflow = %d, want 501", c.Len())
	}
	if c.Seen("msg-0") {
		t.Fatal("Seen(\"msg-0\") = true, want evicted")
	}
	if !c.Seen("msg-999") {
		t.Fatal("Seen(\"msg-999\") = false, want retained")
	}
	if !c.Seen("msg-1000") {
		t.Fatal("Seen(\"msg-1000\") = false, want retained")
	}
}
