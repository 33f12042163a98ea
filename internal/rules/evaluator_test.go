package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/entities"
)

func TestEvalThreshold_HysteresisLatch(t *testing.T) {
	rule := &entities.RuleDefinition{
		Family:       entities.RuleFamilyThreshold,
		Operator:     entities.OperatorGreaterThan,
		RisingBound:  80,
		FallingBound: 75,
	}
	st := &evalState{}

	assert.False(t, evalThreshold(rule, st, 70), "below rising bound stays clear")
	assert.True(t, evalThreshold(rule, st, 81), "crossing rising bound arms")
	assert.True(t, evalThreshold(rule, st, 78), "inside the band stays armed")
	assert.True(t, evalThreshold(rule, st, 76), "still inside the band")
	assert.False(t, evalThreshold(rule, st, 74), "crossing falling bound clears")
	assert.False(t, evalThreshold(rule, st, 79), "inside the band stays clear")
	assert.True(t, evalThreshold(rule, st, 85), "re-crossing rising bound re-arms")
}

func TestEvalThreshold_LessThanDirection(t *testing.T) {
	rule := &entities.RuleDefinition{
		Operator:     entities.OperatorLessThan,
		RisingBound:  10,
		FallingBound: 15,
	}
	st := &evalState{}

	assert.False(t, evalThreshold(rule, st, 12))
	assert.True(t, evalThreshold(rule, st, 9), "below the low bound arms")
	assert.True(t, evalThreshold(rule, st, 13), "inside the band stays armed")
	assert.False(t, evalThreshold(rule, st, 16), "above the clearing bound clears")
}

func TestCompare(t *testing.T) {
	tests := []struct {
		op    string
		value float64
		bound float64
		want  bool
	}{
		{entities.OperatorGreaterThan, 2, 1, true},
		{entities.OperatorGreaterThan, 1, 1, false},
		{entities.OperatorGreaterOrEqual, 1, 1, true},
		{entities.OperatorLessThan, 0, 1, true},
		{entities.OperatorLessOrEqual, 1, 1, true},
		{entities.OperatorEqual, 3, 3, true},
		{entities.OperatorNotEqual, 3, 4, true},
		{"bogus", 3, 4, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, compare(tt.op, tt.value, tt.bound), tt.op)
	}
}

func TestEvalWindow_Aggregates(t *testing.T) {
	now := time.Now().UTC()
	newRule := func(agg string, bound float64) *entities.RuleDefinition {
		return &entities.RuleDefinition{
			Family:     entities.RuleFamilyWindow,
			Aggregate:  agg,
			Operator:   entities.OperatorGreaterThan,
			BoundValue: bound,
			WindowSec:  60,
		}
	}
	newState := func() *evalState {
		return &evalState{Samples: []sample{
			{Ts: now.Add(-30 * time.Second), Value: 10},
			{Ts: now.Add(-20 * time.Second), Value: 20},
			{Ts: now.Add(-10 * time.Second), Value: 30},
		}}
	}

	agg, hit := evalWindow(newRule(entities.AggregateAvg, 15), newState(), now)
	assert.InDelta(t, 20.0, agg, 1e-9)
	assert.True(t, hit)

	agg, hit = evalWindow(newRule(entities.AggregateMin, 15), newState(), now)
	assert.InDelta(t, 10.0, agg, 1e-9)
	assert.False(t, hit)

	agg, _ = evalWindow(newRule(entities.AggregateMax, 15), newState(), now)
	assert.InDelta(t, 30.0, agg, 1e-9)

	agg, _ = evalWindow(newRule(entities.AggregateCount, 2), newState(), now)
	assert.InDelta(t, 3.0, agg, 1e-9)

	agg, _ = evalWindow(newRule(entities.AggregateRate, 0), newState(), now)
	assert.InDelta(t, 1.0, agg, 1e-9, "20 units over 20 seconds")

	agg, _ = evalWindow(newRule(entities.AggregateStddev, 0), newState(), now)
	assert.InDelta(t, 8.1649658, agg, 1e-6)
}

func TestEvalWindow_PrunesOldSamples(t *testing.T) {
	now := time.Now().UTC()
	rule := &entities.RuleDefinition{
		Aggregate:  entities.AggregateCount,
		Operator:   entities.OperatorGreaterOrEqual,
		BoundValue: 1,
		WindowSec:  60,
	}
	st := &evalState{Samples: []sample{
		{Ts: now.Add(-5 * time.Minute), Value: 1},
		{Ts: now.Add(-30 * time.Second), Value: 2},
	}}

	agg, hit := evalWindow(rule, st, now)
	assert.InDelta(t, 1.0, agg, 1e-9, "stale sample dropped")
	assert.True(t, hit)
	assert.Len(t, st.Samples, 1)
}

func TestEvalWindow_EmptyWindow(t *testing.T) {
	rule := &entities.RuleDefinition{Aggregate: entities.AggregateAvg, WindowSec: 60}
	st := &evalState{}
	_, hit := evalWindow(rule, st, time.Now().UTC())
	assert.False(t, hit)
}

func TestEvalRateOfChange(t *testing.T) {
	now := time.Now().UTC()
	rule := &entities.RuleDefinition{
		Family:     entities.RuleFamilyRateOfChange,
		WindowSec:  60,
		BoundValue: 0.5,
	}

	st := &evalState{Samples: []sample{
		{Ts: now.Add(-10 * time.Second), Value: 20},
		{Ts: now, Value: 30},
	}}
	rate, hit := evalRateOfChange(rule, st, now)
	assert.InDelta(t, 1.0, rate, 1e-9)
	assert.True(t, hit)

	// Falling values trip the bound too; the rate is absolute.
	st = &evalState{Samples: []sample{
		{Ts: now.Add(-10 * time.Second), Value: 30},
		{Ts: now, Value: 20},
	}}
	rate, hit = evalRateOfChange(rule, st, now)
	assert.InDelta(t, 1.0, rate, 1e-9)
	assert.True(t, hit)

	st = &evalState{Samples: []sample{{Ts: now, Value: 20}}}
	_, hit = evalRateOfChange(rule, st, now)
	assert.False(t, hit, "one sample is not a rate")
}

func TestExpression_CompileAndEval(t *testing.T) {
	program, err := compileExpression(`temperature > 30 && humidity < 40`)
	require.NoError(t, err)

	got, err := evalExpression(program, map[string]any{
		"temperature": 35.0, "humidity": 20.0,
	})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = evalExpression(program, map[string]any{
		"temperature": 25.0, "humidity": 20.0,
	})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestExpression_CompileRejectsNonBool(t *testing.T) {
	_, err := compileExpression(`1 + 2`)
	assert.Error(t, err, "expressions must produce a boolean")
}

func TestApplyDwell(t *testing.T) {
	rule := &entities.RuleDefinition{DwellSec: 10}
	st := &evalState{}
	start := time.Now().UTC()

	assert.False(t, applyDwell(rule, st, true, start), "condition just became true")
	assert.False(t, applyDwell(rule, st, true, start.Add(5*time.Second)), "still inside dwell")
	assert.True(t, applyDwell(rule, st, true, start.Add(10*time.Second)), "dwell satisfied")

	assert.False(t, applyDwell(rule, st, false, start.Add(11*time.Second)), "condition dropped")
	assert.True(t, st.DwellSince.IsZero(), "dwell resets when condition clears")

	assert.False(t, applyDwell(rule, st, true, start.Add(12*time.Second)), "dwell restarts from scratch")
}

func TestApplyDwell_ZeroDwellPassesThrough(t *testing.T) {
	rule := &entities.RuleDefinition{}
	st := &evalState{}
	assert.True(t, applyDwell(rule, st, true, time.Now()))
	assert.False(t, applyDwell(rule, st, false, time.Now()))
}
