package domain

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var allStatuses = []DeploymentStatus{StatusPending, StatusBuilding, StatusSuccess, StatusError}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to DeploymentStatus
		want     bool
	}{
		{StatusPending, StatusBuilding, true},
		{StatusBuilding, StatusSuccess, true},
		{StatusBuilding, StatusError, true},
		{StatusPending, StatusSuccess, false},
		{StatusPending, StatusError, false},
		{StatusBuilding, StatusPending, false},
		{StatusSuccess, StatusError, false},
		{StatusError, StatusBuilding, false},
		{StatusSuccess, StatusSuccess, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range allStatuses {
		if !IsTerminal(from) {
			continue
		}
		for _, to := range allStatuses {
			if CanTransition(from, to) {
				t.Fatalf("terminal %s must not move to %s", from, to)
			}
		}
	}
}

func TestStatusValid(t *testing.T) {
	if DeploymentStatus("running").Valid() {
		t.Fatal("unknown status reported valid")
	}
	for _, s := range allStatuses {
		if !s.Valid() {
			t.Fatalf("%s reported invalid", s)
		}
	}
}

// Any walk that only follows allowed transitions starting at pending is a
// prefix of pending, building, then one terminal state.
func TestTransitionWalkProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("accepted walks never regress or skip building", prop.ForAll(
		func(steps []int) bool {
			current := StatusPending
			seen := []DeploymentStatus{current}
			for _, idx := range steps {
				next := allStatuses[idx]
				if !CanTransition(current, next) {
					continue
				}
				current = next
				seen = append(seen, current)
			}
			if len(seen) > 3 {
				return false
			}
			if len(seen) >= 2 && seen[1] != StatusBuilding {
				return false
			}
			if len(seen) == 3 && !IsTerminal(seen[2]) {
				return false
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(allStatuses)-1)),
	))

	properties.TestingRun(t)
}
