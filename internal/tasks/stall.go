package tasks

import (
	"encoding/json"
	"strings"

	"github.com/dohr-michael/deskpilot/internal/actions"
	"github.com/dohr-michael/deskpilot/internal/models"
)

// Stall rules.
const (
	StallRepeatedObservation = "repeated_observation"
	StallLowVariety          = "low_variety"
)

// step summarises one loop iteration for the stall guard.
type step struct {
	signature     string
	observational bool
}

func textStep() step {
	return step{signature: "text", observational: true}
}

func callStep(calls []models.ToolCall) step {
	sigs := make([]string, len(calls))
	observational := true
	for i, c := range calls {
		if c.Sensitive() {
			sigs[i] = c.Name + "<sensitive>"
		} else {
			args, _ := json.Marshal(c.Arguments) // map keys are sorted
			sigs[i] = c.Name + string(args)
		}
		if c.Kind == "" || !actions.IsObservational(c.Kind) {
			observational = false
		}
	}
	return step{signature: strings.Join(sigs, "|"), observational: observational}
}

// stallGuard watches the last window iterations for a lack of progress.
type stallGuard struct {
	rule   string
	window int
	steps  []step
}

// minLowVarietyWindow is the smallest window in which two distinct signatures
// mean a lack of progress rather than normal alternation.
const minLowVarietyWindow = 4

func newStallGuard(rule string, window int) *stallGuard {
	if rule == "" {
		rule = StallRepeatedObservation
	}
	if window < 2 {
		window = 2
	}
	if rule == StallLowVariety && window < minLowVarietyWindow {
		window = minLowVarietyWindow
	}
	return &stallGuard{rule: rule, window: window}
}

// record adds a step and reports whether the loop is stalled.
func (g *stallGuard) record(s step) bool {
	g.steps = append(g.steps, s)
	if len(g.steps) > g.window {
		g.steps = g.steps[len(g.steps)-g.window:]
	}
	if len(g.steps) < g.window {
		return false
	}

	switch g.rule {
	case StallLowVariety:
		distinct := make(map[string]bool, g.window)
		for _, s := range g.steps {
			distinct[s.signature] = true
		}
		return len(distinct) <= 2
	default:
		first := g.steps[0].signature
		for _, s := range g.steps {
			if !s.observational || s.signature != first {
				return false
			}
		}
		return true
	}
}

func (g *stallGuard) signatures() []string {
	out := make([]string, len(g.steps))
	for i, s := range g.steps {
		out[i] = s.signature
	}
	return out
}
