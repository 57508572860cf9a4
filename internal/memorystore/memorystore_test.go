package memorystore

import (
	"context"
	"testing"
	"time"
)

func TestSearchRanksByOverlap(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	facts := []string{
		"Q3 budget is 2.4M with 18 months of runway",
		"The security audit found two open findings",
		"Company retreat is scheduled for October",
	}
	for _, f := range facts {
		if _, err := s.AddFact(ctx, "u1", f); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Search(ctx, "u1", "how much runway does the budget give us", 5, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 {
		t.Fatal("no results")
	}
	if got[0].Text != facts[0] {
		t.Errorf("top result = %q, want budget fact", got[0].Text)
	}
	for _, f := range got {
		if f.Score <= 0 || f.Score > 1 {
			t.Errorf("score %f out of range for %q", f.Score, f.Text)
		}
		if f.Text == facts[2] {
			t.Errorf("retreat fact should not match: score %f", f.Score)
		}
	}
}

func TestSearchRespectsKAndThreshold(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := s.AddFact(ctx, "u1", "budget planning detail number"); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Search(ctx, "u1", "budget planning", 3, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("len = %d, want k=3", len(got))
	}

	// An impossible threshold filters everything.
	got, err = s.Search(ctx, "u1", "budget planning", 3, 1.1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0 above threshold", len(got))
	}
}

func TestSearchIsolatesUsers(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.AddFact(ctx, "u1", "private budget numbers"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Search(ctx, "u2", "budget", 5, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("u2 saw u1 facts: %v", got)
	}
}

func TestEqualScoresPreferNewer(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.nowFn = func() time.Time { return now }
	if _, err := s.AddFact(ctx, "u1", "budget figure old"); err != nil {
		t.Fatal(err)
	}
	s.nowFn = func() time.Time { return now.Add(time.Hour) }
	if _, err := s.AddFact(ctx, "u1", "budget figure new"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Search(ctx, "u1", "budget figure", 2, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Text != "budget figure new" {
		t.Errorf("order = %v, want newest first", got)
	}
}
