package reputation

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestNext(t *testing.T) {
	cases := []struct {
		name       string
		old        float64
		outcome    Outcome
		contractor float64
		want       float64
	}{
		{"success weighted by contractor", 50, Success, 80, 51.6},
		{"success with default contractor", 50, Success, Initial, 51},
		{"failure", 10, Failure, 80, 5.5},
		{"failure clamps at zero", 2, Failure, 50, 0},
		{"success clamps at hundred", 99.5, Success, 100, 100},
		{"contractor above range is clamped", 50, Success, 300, 52},
		{"contractor below range is clamped", 50, Success, -20, 50},
		{"old score out of range is clamped first", 120, Failure, 50, 95.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Next(tc.old, tc.outcome, tc.contractor)
			if !almostEqual(got, tc.want) {
				t.Fatalf("Next(%v, %v, %v) = %v, want %v", tc.old, tc.outcome, tc.contractor, got, tc.want)
			}
		})
	}
}

func TestNextStaysBounded(t *testing.T) {
	score := Initial
	for i := 0; i < 200; i++ {
		score = Next(score, Success, Max)
		if score < Min || score > Max {
			t.Fatalf("score escaped bounds after %d successes: %v", i, score)
		}
	}
	if score != Max {
		t.Fatalf("expected saturation at %v, got %v", Max, score)
	}
	for i := 0; i < 200; i++ {
		score = Next(score, Failure, Max)
		if score < Min || score > Max {
			t.Fatalf("score escaped bounds after %d failures: %v", i, score)
		}
	}
	if score != Min {
		t.Fatalf("expected floor at %v, got %v", Min, score)
	}
}
