package store

import (
	"bytes"
	"testing"

	"lokalkasir/terminal/internal/domain"
)

func TestClockMonotonic(t *testing.T) {
	clock := NewClock()
	prev := clock.Now()
	for i := 0; i < 1000; i++ {
		now := clock.Now()
		if now <= prev {
			t.Fatalf("clock went backwards: %d after %d", now, prev)
		}
		prev = now
	}
}

func TestEncodePayloadBelowThreshold(t *testing.T) {
	payload := []byte(`{"id":"p1"}`)
	stored, encoded := EncodePayload(payload, 4096)
	if encoded {
		t.Fatalf("small payload should not be encoded")
	}
	if !bytes.Equal(stored, payload) {
		t.Fatalf("small payload must pass through unchanged")
	}
}

func TestEncodePayloadRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"k":"vvvvvvvvvvvvvvvv"}`), 500)
	stored, encoded := EncodePayload(payload, 4096)
	if !encoded {
		t.Fatalf("large payload should be encoded")
	}
	if len(stored) >= len(payload) {
		t.Fatalf("encoded payload should be smaller: %d vs %d", len(stored), len(payload))
	}
	decoded, err := DecodePayload(stored, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestDecodePayloadCorrupt(t *testing.T) {
	if _, err := DecodePayload([]byte("not gzip"), true); err == nil {
		t.Fatalf("expected error for corrupt encoded payload")
	}
}

func TestValidateRecord(t *testing.T) {
	rec, err := NewRecord(domain.CollectionProducts, "p1", domain.Product{ID: "p1", Name: "Kopi", PriceCents: 1500}, 10, domain.SyncStatusLocal)
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	if err := ValidateRecord(rec); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	bad := rec
	bad.Collection = "nope"
	if err := ValidateRecord(bad); err == nil {
		t.Fatalf("unknown collection accepted")
	}

	bad = rec
	bad.ID = ""
	if err := ValidateRecord(bad); err == nil {
		t.Fatalf("empty id accepted")
	}

	bad = rec
	bad.Payload = []byte(`{"price_cents":"NaN"`)
	if err := ValidateRecord(bad); err == nil {
		t.Fatalf("malformed payload accepted")
	}
}

func TestEvictable(t *testing.T) {
	if Evictable(domain.CollectionPendingOps) {
		t.Fatalf("pending operations must never be evicted")
	}
	if Evictable(domain.CollectionMetadata) {
		t.Fatalf("metadata must never be evicted")
	}
	if !Evictable(domain.CollectionProducts) {
		t.Fatalf("products should be evictable")
	}
}
