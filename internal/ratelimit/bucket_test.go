package ratelimit

import (
	"testing"
	"time"
)

func TestNewBucketRejectsNonPositiveRate(t *testing.T) {
	if b := NewBucket(0, 100); b != nil {
		t.Fatalf("rate=0 should return nil, got %+v", b)
	}
	if b := NewBucket(-1, 100); b != nil {
		t.Fatalf("negative rate should return nil, got %+v", b)
	}
}

func TestNewBucketDefaultsBurstToRate(t *testing.T) {
	b := NewBucket(1000, 0)
	if b == nil {
		t.Fatal("expected non-nil bucket")
	}
	if b.capacity != 1000 {
		t.Fatalf("capacity = %d, want 1000", b.capacity)
	}
}

func TestTakeWithinBurstDoesNotBlock(t *testing.T) {
	b := NewBucket(1024*1024, 1024*1024)
	start := time.Now()
	b.Take(512 * 1024)
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("half-burst took %v, want near-instant", elapsed)
	}
}

func TestTakeBeyondBurstBlocks(t *testing.T) {
	b := NewBucket(1000, 1000)
	b.Take(1000)

	start := time.Now()
	b.Take(500)
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("exhausted-bucket Take returned after %v, want >= ~500ms", elapsed)
	}
}

func TestNilBucketTakeIsNoop(t *testing.T) {
	var b *Bucket
	start := time.Now()
	b.Take(1 << 30)
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("nil bucket Take blocked for %v, want no-op", elapsed)
	}
}

func TestTakeNonPositiveIsNoop(t *testing.T) {
	b := NewBucket(1000, 1000)
	b.Take(0)
	b.Take(-5)
}
