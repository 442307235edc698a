package escalation

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/assent/internal/definition"
	"github.com/pitabwire/assent/internal/rules"
	"github.com/pitabwire/assent/model"
)

// Escalator applies one escalation rule to an instance. Implemented by the
// workflow engine.
type Escalator interface {
	Escalate(ctx context.Context, inst model.ProcessInstance, rule model.EscalationRule) error
}

// InstanceSource pages through candidate instances. Implemented by every
// instance store.
type InstanceSource interface {
	FindEscalatable(ctx context.Context, limit, offset int) ([]model.ProcessInstance, error)
}

// SweepRecorder receives sweep metrics.
type SweepRecorder interface {
	RecordSweep(d time.Duration, scanned, applied int)
}

type noopRecorder struct{}

func (noopRecorder) RecordSweep(time.Duration, int, int) {}

// Scheduler drives time and condition based escalations. Each Sweep pages
// through active and escalated instances and applies at most one due rule
// per instance; losing an optimistic write race to a concurrent approver
// is a benign skip re-evaluated on the next sweep.
type Scheduler struct {
	defs     *definition.Store
	source   InstanceSource
	engine   Escalator
	eval     *rules.Evaluator
	cal      *Calendar
	pageSize int
	log      *zap.Logger
	metrics  SweepRecorder
	now      func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSweepMetrics sets the sweep metrics recorder.
func WithSweepMetrics(m SweepRecorder) SchedulerOption {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the scheduler clock. For tests.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler creates an escalation scheduler.
func NewScheduler(defs *definition.Store, source InstanceSource, engine Escalator, eval *rules.Evaluator, cal *Calendar, pageSize int, log *zap.Logger, opts ...SchedulerOption) *Scheduler {
	if pageSize <= 0 {
		pageSize = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		defs:     defs,
		source:   source,
		engine:   engine,
		eval:     eval,
		cal:      cal,
		pageSize: pageSize,
		log:      log,
		metrics:  noopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on a ticker until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep walks all candidate instances once. Failures on one instance never
// stop the walk.
func (s *Scheduler) Sweep(ctx context.Context) {
	started := s.now()
	scanned, applied := 0, 0

	for offset := 0; ; offset += s.pageSize {
		page, err := s.source.FindEscalatable(ctx, s.pageSize, offset)
		if err != nil {
			s.log.Error("escalation sweep page failed",
				zap.Int("offset", offset), zap.Error(err))
			break
		}
		if len(page) == 0 {
			break
		}
		scanned += len(page)

		for _, inst := range page {
			if ctx.Err() != nil {
				return
			}
			if s.sweepOne(ctx, inst) {
				applied++
			}
		}
		if len(page) < s.pageSize {
			break
		}
	}

	elapsed := s.now().Sub(started)
	s.metrics.RecordSweep(elapsed, scanned, applied)
	s.log.Debug("escalation sweep complete",
		zap.Int("scanned", scanned),
		zap.Int("applied", applied),
		zap.Duration("elapsed", elapsed),
	)
}

// sweepOne evaluates one instance and applies the first due rule, if any.
// Reports whether an escalation was applied.
func (s *Scheduler) sweepOne(ctx context.Context, inst model.ProcessInstance) bool {
	def, err := s.defs.Get(inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		s.log.Warn("escalation sweep definition lookup failed",
			zap.String("instance_id", inst.ID),
			zap.String("definition_id", inst.DefinitionID),
			zap.Error(err))
		return false
	}

	candidates := def.EscalationRulesFor(inst.CurrentState)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Level != candidates[j].Level {
			return candidates[i].Level < candidates[j].Level
		}
		return candidates[i].Priority < candidates[j].Priority
	})

	for _, rule := range candidates {
		// Levels already reached fired on a previous sweep.
		if rule.Level <= inst.EscalationLevel {
			continue
		}
		if !s.due(inst, rule) {
			continue
		}

		err := s.engine.Escalate(ctx, inst, rule)
		var env *model.ErrorEnvelope
		if errors.As(err, &env) && env.Code == model.ErrConcurrentModification {
			// Someone advanced the instance underneath us; the next sweep
			// re-evaluates against the fresh state.
			s.log.Debug("escalation lost write race",
				zap.String("instance_id", inst.ID),
				zap.String("rule_id", rule.ID))
			return false
		}
		if err != nil {
			s.log.Error("escalation failed",
				zap.String("instance_id", inst.ID),
				zap.String("rule_id", rule.ID),
				zap.Error(err))
			return false
		}
		return true
	}
	return false
}

// due decides whether a rule has come due for the instance.
func (s *Scheduler) due(inst model.ProcessInstance, rule model.EscalationRule) bool {
	now := s.now()

	switch rule.TriggerType {
	case model.EscalationTriggerTime:
		// A chained rule stamps its deadline into DueAt; that override
		// wins over recomputing from state entry.
		if inst.EscalationLevel > 0 && inst.DueAt != nil {
			return !now.Before(*inst.DueAt)
		}
		d, err := time.ParseDuration(rule.Timeout)
		if err != nil || d <= 0 {
			return false
		}
		deadline := s.cal.DeadlineAfter(inst.StateEnteredAt, d, rule)
		return !now.Before(deadline)

	case model.EscalationTriggerCondition:
		ok, err := s.eval.Eval(rule.Condition, inst.Data, model.SystemActorContext())
		if err != nil {
			s.log.Warn("escalation condition failed to evaluate",
				zap.String("instance_id", inst.ID),
				zap.String("rule_id", rule.ID),
				zap.Error(err))
			return false
		}
		return ok

	default:
		// Manual rules fire only through the API.
		return false
	}
}
