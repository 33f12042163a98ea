// Package rules evaluates alerting rules against the reading stream and
// emits hits toward the alert manager.
package rules

import (
	"fmt"
	"math"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tidemark-io/tidemark/internal/entities"
)

// Hit is one rule condition crossing for one device. Suppressed hits fall
// inside the rule's cool-down; they still update an existing open alert
// but never open or re-notify one.
type Hit struct {
	Rule       *entities.RuleDefinition
	DeviceID   string
	Observed   float64
	At         time.Time
	Suppressed bool
}

// sample is one retained numeric observation.
type sample struct {
	Ts    time.Time `json:"ts"`
	Value float64   `json:"v"`
}

// evalState is the per (rule, device) evaluator memory. It is serialized
// into engine checkpoints, so every field is exported.
type evalState struct {
	// Active is the threshold hysteresis latch: set on crossing the rising
	// bound, cleared on crossing the falling bound.
	Active bool `json:"active"`
	// DwellSince marks when the condition last became true; zero when the
	// condition is false.
	DwellSince time.Time `json:"dwell_since,omitempty"`
	// Samples is the window buffer, pruned to the rule's window.
	Samples []sample `json:"samples,omitempty"`
}

func compare(op string, value, bound float64) bool {
	switch op {
	case entities.OperatorGreaterThan:
		return value > bound
	case entities.OperatorLessThan:
		return value < bound
	case entities.OperatorGreaterOrEqual:
		return value >= bound
	case entities.OperatorLessOrEqual:
		return value <= bound
	case entities.OperatorEqual:
		return value == bound
	case entities.OperatorNotEqual:
		return value != bound
	default:
		return false
	}
}

// inverse returns the operator that tests the clearing direction.
func inverse(op string) string {
	switch op {
	case entities.OperatorGreaterThan:
		return entities.OperatorLessOrEqual
	case entities.OperatorGreaterOrEqual:
		return entities.OperatorLessThan
	case entities.OperatorLessThan:
		return entities.OperatorGreaterOrEqual
	case entities.OperatorLessOrEqual:
		return entities.OperatorGreaterThan
	default:
		return op
	}
}

// evalThreshold applies the hysteresis band. The condition arms when the
// value crosses the rising bound and stays armed until the value crosses
// the falling bound, so values oscillating inside the band cannot flap.
func evalThreshold(rule *entities.RuleDefinition, st *evalState, value float64) bool {
	if st.Active {
		if compare(inverse(rule.Operator), value, rule.FallingBound) {
			st.Active = false
		}
		return st.Active
	}
	if compare(rule.Operator, value, rule.RisingBound) {
		st.Active = true
	}
	return st.Active
}

// pruneWindow drops samples older than the rule's window.
func pruneWindow(rule *entities.RuleDefinition, st *evalState, now time.Time) {
	cutoff := now.Add(-time.Duration(rule.WindowSec) * time.Second)
	i := 0
	for ; i < len(st.Samples); i++ {
		if !st.Samples[i].Ts.Before(cutoff) {
			break
		}
	}
	st.Samples = st.Samples[i:]
}

// evalWindow aggregates the buffered window and compares against the
// bound. Returns the aggregate so it can be reported as the observed value.
func evalWindow(rule *entities.RuleDefinition, st *evalState, now time.Time) (float64, bool) {
	pruneWindow(rule, st, now)
	if len(st.Samples) == 0 {
		return 0, false
	}
	agg := aggregate(rule.Aggregate, st.Samples)
	return agg, compare(rule.Operator, agg, rule.BoundValue)
}

func aggregate(fn string, samples []sample) float64 {
	switch fn {
	case entities.AggregateCount:
		return float64(len(samples))
	case entities.AggregateMin:
		v := samples[0].Value
		for _, s := range samples[1:] {
			v = math.Min(v, s.Value)
		}
		return v
	case entities.AggregateMax:
		v := samples[0].Value
		for _, s := range samples[1:] {
			v = math.Max(v, s.Value)
		}
		return v
	case entities.AggregateStddev:
		mean := aggregate(entities.AggregateAvg, samples)
		var sum float64
		for _, s := range samples {
			d := s.Value - mean
			sum += d * d
		}
		return math.Sqrt(sum / float64(len(samples)))
	case entities.AggregateRate:
		first, last := samples[0], samples[len(samples)-1]
		dt := last.Ts.Sub(first.Ts).Seconds()
		if dt <= 0 {
			return 0
		}
		return (last.Value - first.Value) / dt
	default: // avg
		var sum float64
		for _, s := range samples {
			sum += s.Value
		}
		return sum / float64(len(samples))
	}
}

// evalRateOfChange compares |Δv|/Δt across the window against the bound.
func evalRateOfChange(rule *entities.RuleDefinition, st *evalState, now time.Time) (float64, bool) {
	pruneWindow(rule, st, now)
	if len(st.Samples) < 2 {
		return 0, false
	}
	first, last := st.Samples[0], st.Samples[len(st.Samples)-1]
	dt := last.Ts.Sub(first.Ts).Seconds()
	if dt <= 0 {
		return 0, false
	}
	rate := math.Abs(last.Value-first.Value) / dt
	return rate, rate > rule.BoundValue
}

// compileExpression compiles a rule expression. Expressions see the
// device's latest value per sensor key plus the triggering key and value;
// only pure expr builtins are available.
func compileExpression(source string) (*vm.Program, error) {
	program, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", err)
	}
	return program, nil
}

// evalExpression runs a compiled expression against the device env.
func evalExpression(program *vm.Program, env map[string]any) (bool, error) {
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return result, nil
}

// applyDwell wraps a raw condition with the rule's dwell requirement. The
// condition must hold continuously for the dwell duration before it fires.
func applyDwell(rule *entities.RuleDefinition, st *evalState, condition bool, now time.Time) bool {
	if rule.DwellSec <= 0 {
		return condition
	}
	if !condition {
		st.DwellSince = time.Time{}
		return false
	}
	if st.DwellSince.IsZero() {
		st.DwellSince = now
	}
	return now.Sub(st.DwellSince) >= time.Duration(rule.DwellSec)*time.Second
}
