package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestOrderTagRoundTrip(t *testing.T) {
	tag := NewOrderTag()
	if len(tag) != tagFragmentLength {
		t.Fatalf("fragment length %d, want %d", len(tag), tagFragmentLength)
	}

	ref := tag.Encode()
	if _, err := uuid.Parse(ref); err != nil {
		t.Fatalf("encoded reference %q is not a uuid: %v", ref, err)
	}
	if !tag.BelongsTo(ref) {
		t.Fatalf("tag %q does not match its own encoding %q", tag, ref)
	}
	if tag.BelongsTo(uuid.NewString()) {
		t.Fatalf("tag matched a foreign reference")
	}
}

func TestEmptyOrderTagNeverMatches(t *testing.T) {
	var tag OrderTag
	if tag.BelongsTo("") || tag.BelongsTo(uuid.NewString()) {
		t.Fatalf("empty tag must never claim an order")
	}
	if _, err := uuid.Parse(tag.Encode()); err != nil {
		t.Fatalf("empty tag encoding must still be a uuid: %v", err)
	}
}

func TestCachedValueFreshness(t *testing.T) {
	now := time.Now()
	c := NewCachedValue("token", now, time.Hour)
	if !c.Fresh(now) || !c.Fresh(now.Add(59*time.Minute)) {
		t.Fatalf("entry expired early")
	}
	if c.Fresh(now.Add(time.Hour)) {
		t.Fatalf("entry outlived its ttl")
	}
	var nilEntry *CachedValue[string]
	if nilEntry.Fresh(now) {
		t.Fatalf("nil entry must be expired")
	}
}
