package geo

import (
	"math"
	"testing"
)

func TestDistanceNilInputs(t *testing.T) {
	p := &Point{Lat: 48.2, Lon: 16.37}
	if Distance(nil, p) != nil {
		t.Fatal("nil origin should give nil distance")
	}
	if Distance(p, nil) != nil {
		t.Fatal("nil target should give nil distance")
	}
	if Distance(nil, nil) != nil {
		t.Fatal("nil both should give nil distance")
	}
}

func TestDistanceZero(t *testing.T) {
	p := &Point{Lat: 48.2, Lon: 16.37}
	d := Distance(p, p)
	if d == nil {
		t.Fatal("distance must not be nil for known points")
	}
	if *d != 0 {
		t.Fatalf("distance to self = %v, want 0", *d)
	}
}

func TestDistanceSymmetry(t *testing.T) {
	vienna := &Point{Lat: 48.2082, Lon: 16.3738}
	graz := &Point{Lat: 47.0707, Lon: 15.4395}

	ab := Distance(vienna, graz)
	ba := Distance(graz, vienna)
	if ab == nil || ba == nil {
		t.Fatal("distances must not be nil")
	}
	if math.Abs(*ab-*ba) > 1e-6 {
		t.Fatalf("asymmetric: %v vs %v", *ab, *ba)
	}
}

func TestDistanceKnownValue(t *testing.T) {
	vienna := &Point{Lat: 48.2082, Lon: 16.3738}
	graz := &Point{Lat: 47.0707, Lon: 15.4395}

	d := Distance(vienna, graz)
	// Roughly 145 km as the crow flies.
	if *d < 140000 || *d > 150000 {
		t.Fatalf("Vienna-Graz distance = %v m", *d)
	}
}
