package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr/vm"

	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/metrics"
	"github.com/tidemark-io/tidemark/internal/repository"
)

const checkpointName = "rule_engine"

// Sink receives emitted hits. Implementations must be safe for calls from
// the single engine goroutine.
type Sink interface {
	HandleHit(ctx context.Context, hit *Hit)
}

// Engine evaluates enabled rules against the reading stream. Evaluation is
// both event driven (each persisted reading) and tick driven (window decay
// and dwell completion need no new readings). A failing rule is marked
// degraded and skipped; one bad expression never stalls the stream.
type Engine struct {
	cfg     conf.RuleSettings
	rules   repository.RuleRepository
	devices repository.DeviceRepository
	ops     repository.OpsRepository
	sink    Sink
	metrics *metrics.Metrics
	log     logger.Logger

	in   chan entities.Reading
	stop chan struct{}
	done sync.WaitGroup

	// All evaluation state is owned by the run goroutine; the mutex guards
	// the snapshot taken by checkpointing.
	mu         sync.Mutex
	ruleset    []entities.RuleDefinition
	states     map[string]*evalState
	cooldowns  map[string]time.Time
	deviceEnv  map[string]map[string]any
	deviceTags map[string][]string
	programs   map[string]*vm.Program
}

// engineCheckpoint is the serialized engine state.
type engineCheckpoint struct {
	States    map[string]*evalState `json:"states"`
	Cooldowns map[string]time.Time  `json:"cooldowns"`
}

// NewEngine creates a rule engine delivering hits to the sink.
func NewEngine(
	cfg conf.RuleSettings,
	rules repository.RuleRepository,
	devices repository.DeviceRepository,
	ops repository.OpsRepository,
	sink Sink,
	m *metrics.Metrics,
	log logger.Logger,
) *Engine {
	return &Engine{
		cfg:        cfg,
		rules:      rules,
		devices:    devices,
		ops:        ops,
		sink:       sink,
		metrics:    m,
		log:        log,
		in:         make(chan entities.Reading, 1024),
		stop:       make(chan struct{}),
		states:     make(map[string]*evalState),
		cooldowns:  make(map[string]time.Time),
		deviceEnv:  make(map[string]map[string]any),
		deviceTags: make(map[string][]string),
		programs:   make(map[string]*vm.Program),
	}
}

// HandleReading feeds a persisted reading into the engine without
// blocking the caller. The engine sheds load rather than stall the flush
// path; rules catch up from later readings and ticks.
func (e *Engine) HandleReading(reading *entities.Reading) {
	select {
	case e.in <- *reading:
	default:
		e.log.Debug("rule engine input full, reading dropped",
			logger.String("device_id", reading.DeviceID),
			logger.String("key", reading.Key))
	}
}

// Start restores the last checkpoint, loads the ruleset, and launches the
// evaluation goroutine.
func (e *Engine) Start(ctx context.Context) error {
	e.restoreCheckpoint(ctx)
	if err := e.refreshRules(ctx); err != nil {
		return err
	}
	e.done.Add(1)
	go e.run(ctx)
	return nil
}

// Stop checkpoints and waits for the evaluation goroutine to exit.
func (e *Engine) Stop(ctx context.Context) {
	close(e.stop)
	e.done.Wait()
	e.checkpoint(ctx)
}

func (e *Engine) run(ctx context.Context) {
	defer e.done.Done()
	tick := time.NewTicker(e.cfg.TickInterval.Std())
	defer tick.Stop()
	checkpoint := time.NewTicker(e.cfg.CheckpointInterval.Std())
	defer checkpoint.Stop()

	for {
		select {
		case <-e.stop:
			return
		case reading := <-e.in:
			e.evaluateReading(ctx, &reading)
		case <-tick.C:
			if err := e.refreshRules(ctx); err != nil {
				e.log.Error("failed to refresh ruleset", logger.Error(err))
			}
			e.evaluateTick(ctx, time.Now().UTC())
		case <-checkpoint.C:
			e.checkpoint(ctx)
		}
	}
}

func (e *Engine) refreshRules(ctx context.Context) error {
	ruleset, err := e.rules.GetEnabled(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.ruleset = ruleset
	// Tag edits take effect on the next refresh.
	e.deviceTags = make(map[string][]string)
	e.mu.Unlock()
	return nil
}

// tags returns the device's tags for rule target matching, cached until
// the next ruleset refresh.
func (e *Engine) tags(ctx context.Context, deviceID string) []string {
	e.mu.Lock()
	tags, ok := e.deviceTags[deviceID]
	e.mu.Unlock()
	if ok {
		return tags
	}
	device, err := e.devices.GetByID(ctx, deviceID)
	if err != nil {
		return nil
	}
	e.mu.Lock()
	e.deviceTags[deviceID] = device.Tags
	e.mu.Unlock()
	return device.Tags
}

func stateKey(ruleID, deviceID string) string {
	return ruleID + "|" + deviceID
}

func (e *Engine) state(ruleID, deviceID string) *evalState {
	k := stateKey(ruleID, deviceID)
	st, ok := e.states[k]
	if !ok {
		st = &evalState{}
		e.states[k] = st
	}
	return st
}

// evaluateReading runs every matching rule of the reading's tenant.
func (e *Engine) evaluateReading(ctx context.Context, reading *entities.Reading) {
	value, numeric := 0.0, false
	if reading.NumericValue != nil {
		value, numeric = *reading.NumericValue, true
	}

	e.mu.Lock()
	env, ok := e.deviceEnv[reading.DeviceID]
	if !ok {
		env = make(map[string]any)
		e.deviceEnv[reading.DeviceID] = env
	}
	env[reading.Key] = reading.Value()
	ruleset := e.ruleset
	e.mu.Unlock()
	deviceTags := e.tags(ctx, reading.DeviceID)

	for i := range ruleset {
		rule := &ruleset[i]
		if rule.TenantID != reading.TenantID || !rule.MatchesDevice(reading.DeviceID, deviceTags) {
			continue
		}
		if rule.Family != entities.RuleFamilyExpression && rule.Key != reading.Key {
			continue
		}
		if rule.Family != entities.RuleFamilyExpression && !numeric {
			continue
		}
		e.evaluateRule(ctx, rule, reading.DeviceID, value, reading.Ts, env, true)
	}
}

// evaluateTick re-runs window-shaped rules and pending dwells. Conditions
// that depend on sample age or elapsed dwell can change without a reading.
func (e *Engine) evaluateTick(ctx context.Context, now time.Time) {
	e.mu.Lock()
	ruleset := e.ruleset
	e.mu.Unlock()

	for i := range ruleset {
		rule := &ruleset[i]
		timeDriven := rule.Family == entities.RuleFamilyWindow ||
			rule.Family == entities.RuleFamilyRateOfChange ||
			rule.DwellSec > 0
		if !timeDriven {
			continue
		}
		prefix := rule.ID + "|"
		e.mu.Lock()
		var deviceIDs []string
		for k := range e.states {
			if len(k) > len(prefix) && k[:len(prefix)] == prefix {
				deviceIDs = append(deviceIDs, k[len(prefix):])
			}
		}
		e.mu.Unlock()
		for _, deviceID := range deviceIDs {
			env := e.deviceEnv[deviceID]
			e.evaluateRule(ctx, rule, deviceID, 0, now, env, false)
		}
	}
}

// evaluateRule runs one rule for one device and emits a hit when the
// condition, after dwell, holds. fromReading distinguishes a fresh sample
// from a tick re-check.
func (e *Engine) evaluateRule(
	ctx context.Context,
	rule *entities.RuleDefinition,
	deviceID string,
	value float64,
	at time.Time,
	env map[string]any,
	fromReading bool,
) {
	e.metrics.RuleEvaluations.Inc()
	st := e.state(rule.ID, deviceID)

	var (
		condition bool
		observed  = value
	)
	switch rule.Family {
	case entities.RuleFamilyThreshold:
		if !fromReading {
			// No new sample; only the dwell clock can have advanced.
			condition = st.Active
			if len(st.Samples) > 0 {
				observed = st.Samples[len(st.Samples)-1].Value
			}
		} else {
			condition = evalThreshold(rule, st, value)
			st.Samples = []sample{{Ts: at, Value: value}}
		}
	case entities.RuleFamilyWindow:
		if fromReading {
			st.Samples = append(st.Samples, sample{Ts: at, Value: value})
		}
		observed, condition = evalWindow(rule, st, at)
	case entities.RuleFamilyRateOfChange:
		if fromReading {
			st.Samples = append(st.Samples, sample{Ts: at, Value: value})
		}
		observed, condition = evalRateOfChange(rule, st, at)
	case entities.RuleFamilyExpression:
		program, err := e.program(rule)
		if err != nil {
			e.degrade(ctx, rule, err)
			return
		}
		condition, err = evalExpression(program, env)
		if err != nil {
			e.degrade(ctx, rule, err)
			return
		}
	default:
		return
	}

	if !applyDwell(rule, st, condition, at) {
		return
	}

	hit := &Hit{Rule: rule, DeviceID: deviceID, Observed: observed, At: at}
	cdKey := stateKey(rule.ID, deviceID)
	if until, ok := e.cooldowns[cdKey]; ok && at.Before(until) {
		hit.Suppressed = true
		e.metrics.RuleSuppressed.Inc()
	} else {
		e.cooldowns[cdKey] = at.Add(time.Duration(rule.CooldownSec) * time.Second)
		e.metrics.RuleHits.WithLabelValues(rule.Severity).Inc()
	}
	e.sink.HandleHit(ctx, hit)
}

// program returns the compiled expression for the rule's current version.
func (e *Engine) program(rule *entities.RuleDefinition) (*vm.Program, error) {
	k := fmt.Sprintf("%s@%d", rule.ID, rule.Version)
	if p, ok := e.programs[k]; ok {
		return p, nil
	}
	p, err := compileExpression(rule.Expression)
	if err != nil {
		return nil, err
	}
	e.programs[k] = p
	return p, nil
}

// degrade marks a failing rule so it is skipped until an operator clears
// it. The rule row keeps the reason for display.
func (e *Engine) degrade(ctx context.Context, rule *entities.RuleDefinition, cause error) {
	e.metrics.RuleDegraded.Inc()
	e.log.Warn("rule degraded",
		logger.String("rule_id", rule.ID),
		logger.String("tenant_id", rule.TenantID),
		logger.Error(cause))
	if err := e.rules.MarkDegraded(ctx, rule.ID, cause.Error()); err != nil {
		e.log.Error("failed to mark rule degraded", logger.String("rule_id", rule.ID), logger.Error(err))
	}
	if err := e.refreshRules(ctx); err != nil {
		e.log.Error("failed to refresh ruleset", logger.Error(err))
	}
}

func (e *Engine) checkpoint(ctx context.Context) {
	e.mu.Lock()
	snapshot := engineCheckpoint{
		States:    e.states,
		Cooldowns: e.cooldowns,
	}
	payload, err := json.Marshal(snapshot)
	e.mu.Unlock()
	if err != nil {
		e.log.Error("failed to encode rule checkpoint", logger.Error(err))
		return
	}
	if _, err := e.ops.SaveEngineCheckpoint(ctx, checkpointName, string(payload)); err != nil {
		e.log.Error("failed to save rule checkpoint", logger.Error(err))
	}
}

func (e *Engine) restoreCheckpoint(ctx context.Context) {
	cp, err := e.ops.LoadEngineCheckpoint(ctx, checkpointName)
	if err != nil || cp == nil {
		if err != nil {
			e.log.Warn("failed to load rule checkpoint", logger.Error(err))
		}
		return
	}
	var snapshot engineCheckpoint
	if err := json.Unmarshal([]byte(cp.State), &snapshot); err != nil {
		e.log.Warn("failed to decode rule checkpoint", logger.Error(err))
		return
	}
	if snapshot.States != nil {
		e.states = snapshot.States
	}
	if snapshot.Cooldowns != nil {
		e.cooldowns = snapshot.Cooldowns
	}
	e.log.Info("rule engine state restored",
		logger.Int("states", len(e.states)),
		logger.Int64("checkpoint_version", cp.Version))
}
