package ports

import "testing"

func TestAllocateReturnsLowestFree(t *testing.T) {
	p := New()
	a := p.Allocate()
	b := p.Allocate()
	if a != Base || b != Base+1 {
		t.Fatalf("got %d, %d", a, b)
	}
	p.Release(a)
	c := p.Allocate()
	if c != Base {
		t.Fatalf("expected reuse of lowest freed port, got %d", c)
	}
}

func TestAllocateThenReleaseLeavesPoolUnchanged(t *testing.T) {
	p := New()
	port := p.Allocate()
	if p.Len() != 1 {
		t.Fatalf("len = %d", p.Len())
	}
	p.Release(port)
	if p.Len() != 0 {
		t.Fatalf("len after release = %d", p.Len())
	}
}

func TestDoubleReleaseIsSafe(t *testing.T) {
	p := New()
	port := p.Allocate()
	p.Release(port)
	p.Release(port) // must not panic or go negative
	if p.Len() != 0 {
		t.Fatalf("len = %d", p.Len())
	}
}

func TestIsAllocated(t *testing.T) {
	p := New()
	port := p.Allocate()
	if !p.IsAllocated(port) {
		t.Fatal("expected allocated")
	}
	p.Release(port)
	if p.IsAllocated(port) {
		t.Fatal("expected released")
	}
}
