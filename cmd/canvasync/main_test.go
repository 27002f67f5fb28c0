package main

import (
	"testing"
)

func TestParsePoints(t *testing.T) {
	points, err := parsePoints("1,2; 3.5,4 ;5,6")
	if err != nil {
		t.Fatalf("parse points: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	if points[1].X != 3.5 || points[1].Y != 4 {
		t.Fatalf("unexpected second point: %+v", points[1])
	}
}

func TestParsePointsRejectsMalformed(t *testing.T) {
	for _, spec := range []string{"", "1", "1,a", "1,2,3", ";;"} {
		if _, err := parsePoints(spec); err == nil {
			t.Fatalf("expected error for %q", spec)
		}
	}
}

func TestParseColor(t *testing.T) {
	got, err := parseColor("#112233")
	if err != nil {
		t.Fatalf("parse color: %v", err)
	}
	if got != 0xff112233 {
		t.Fatalf("expected opaque alpha default, got %08x", got)
	}
	got, err = parseColor("80abcdef")
	if err != nil {
		t.Fatalf("parse color: %v", err)
	}
	if got != 0x80abcdef {
		t.Fatalf("expected 0x80abcdef, got %08x", got)
	}
}

func TestParseColorRejectsMalformed(t *testing.T) {
	for _, spec := range []string{"", "abc", "zzzzzz", "#1234567"} {
		if _, err := parseColor(spec); err == nil {
			t.Fatalf("expected error for %q", spec)
		}
	}
}
