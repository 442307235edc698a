package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/assent/internal/definition"
	"github.com/pitabwire/assent/internal/idempotency"
	"github.com/pitabwire/assent/internal/notify"
	"github.com/pitabwire/assent/internal/routing"
	"github.com/pitabwire/assent/model"
)

const defaultIdempotencyTTL = 24 * time.Hour

// DeadlinePolicy computes escalation deadlines. Implementations decide how
// calendar flags on a rule (business hours, weekends, holidays) stretch
// wall-clock time.
type DeadlinePolicy interface {
	// DeadlineAfter returns the instant at which d of accrued time elapses
	// starting at start, honoring the rule's calendar flags.
	DeadlineAfter(start time.Time, d time.Duration, rule model.EscalationRule) time.Time
}

// plainDeadlines ignores calendar flags and adds wall-clock time.
type plainDeadlines struct{}

func (plainDeadlines) DeadlineAfter(start time.Time, d time.Duration, _ model.EscalationRule) time.Time {
	return start.Add(d)
}

// MetricsRecorder receives engine-level counters. The observability
// package provides the prometheus implementation.
type MetricsRecorder interface {
	RecordInstanceStart(category string)
	RecordAdvance(result string)
	RecordCompletion(category, decision string)
	RecordEscalation(level int)
	RecordConflict()
}

type noopMetrics struct{}

func (noopMetrics) RecordInstanceStart(string)   {}
func (noopMetrics) RecordAdvance(string)         {}
func (noopMetrics) RecordCompletion(_, _ string) {}
func (noopMetrics) RecordEscalation(int)         {}
func (noopMetrics) RecordConflict()              {}

// Engine manages the lifecycle of process instances: creation, trigger
// application, escalation, and audit queries. All instance mutations flow
// through the store's atomic write methods; the engine itself holds no
// instance state.
type Engine struct {
	defs      *definition.Store
	store     InstanceStore
	router    *routing.Engine
	machine   *Machine
	deadlines DeadlinePolicy
	idem      idempotency.Store
	notifier  notify.Notifier
	metrics   MetricsRecorder
	log       *zap.Logger
	now       func() time.Time
	idemTTL   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithDeadlinePolicy sets the deadline calculator used for DueAt stamping.
func WithDeadlinePolicy(p DeadlinePolicy) Option {
	return func(e *Engine) {
		if p != nil {
			e.deadlines = p
		}
	}
}

// WithIdempotency enables replay protection for Start and Advance.
func WithIdempotency(s idempotency.Store) Option {
	return func(e *Engine) { e.idem = s }
}

// WithIdempotencyTTL overrides how long cached outcomes are retained.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.idemTTL = ttl
		}
	}
}

// WithNotifier sets the notification sink.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithClock overrides the engine clock. For tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a process instance engine.
func NewEngine(defs *definition.Store, store InstanceStore, router *routing.Engine, machine *Machine, opts ...Option) *Engine {
	e := &Engine{
		defs:      defs,
		store:     store,
		router:    router,
		machine:   machine,
		deadlines: plainDeadlines{},
		notifier:  notify.NewLogNotifier(nil),
		metrics:   noopMetrics{},
		log:       zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		idemTTL:   defaultIdempotencyTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRequest describes a new instance. Either Category (resolving the
// latest active definition) or DefinitionID (optionally pinned to Version)
// must be set.
type StartRequest struct {
	DefinitionID   string
	Version        int
	Category       string
	Data           map[string]any
	Priority       string
	IdempotencyKey string
}

// AdvanceRequest carries one trigger application.
type AdvanceRequest struct {
	Trigger        string
	Comment        string
	Data           map[string]any
	IdempotencyKey string
}

// Start creates a new process instance in its definition's initial state.
// Routing runs before anything is persisted: a configuration gap that
// leaves the request unroutable blocks creation entirely.
func (e *Engine) Start(ctx context.Context, actor *model.ActorContext, req StartRequest) (model.ProcessInstance, error) {
	if err := actor.Validate(); err != nil {
		return model.ProcessInstance{}, model.NewUnauthorizedError(err.Error())
	}

	// 1. Idempotency replay check.
	if req.IdempotencyKey != "" && e.idem != nil {
		key := idempotency.FormatKey("start", req.IdempotencyKey)
		hash := inputHash(req.Category+"|"+req.DefinitionID, req.Data)
		if inst, done, err := e.replay(ctx, key, hash); done {
			return inst, err
		}
	}

	// 2. Resolve the definition.
	var def model.WorkflowDefinition
	var err error
	switch {
	case req.DefinitionID != "":
		def, err = e.defs.Get(req.DefinitionID, req.Version)
	case req.Category != "":
		def, err = e.defs.LatestActiveByCategory(req.Category)
	default:
		return model.ProcessInstance{}, model.NewBadRequestError("definition_id or category is required")
	}
	if err != nil {
		return model.ProcessInstance{}, err
	}

	initial, ok := def.InitialState()
	if !ok {
		// Unreachable for published definitions.
		return model.ProcessInstance{}, model.NewInternalError()
	}

	// 3. Compute the approval chain. Routing failures block creation.
	data := make(map[string]any, len(req.Data))
	for k, v := range req.Data {
		data[k] = v
	}
	recomputeDerived(data)

	chain, err := e.router.ComputeChain(&def, data, actor)
	if err != nil {
		return model.ProcessInstance{}, err
	}

	// 4. Build the instance.
	now := e.now()
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	inst := model.ProcessInstance{
		ID:                uuid.New().String(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Category:          def.Category,
		Requester:         actor.Subject,
		CurrentState:      initial.Key,
		StateEnteredAt:    now,
		Chain:             &chain,
		ChainPosition:     0,
		Data:              data,
		Status:            model.InstanceStatusActive,
		Priority:          priority,
		StartedAt:         now,
		DueAt:             e.dueAt(&def, initial, now),
		Version:           1,
		UpdatedAt:         now,
	}
	if step, ok := chain.NextStep(0); ok {
		inst.Assignee = step.Assignee
	}

	// 5. Persist instance plus its first history entry atomically.
	entry := model.HistoryEntry{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		ToState:    initial.Key,
		Actor:      actor.Subject,
		ActorRoles: actor.Roles,
		ActionType: model.ActionTransition,
		DataAfter:  data,
		CreatedAt:  now,
	}
	if err := e.store.CreateWithHistory(ctx, inst, entry); err != nil {
		return model.ProcessInstance{}, err
	}

	e.metrics.RecordInstanceStart(def.Category)
	e.log.Info("instance started",
		zap.String("instance_id", inst.ID),
		zap.String("definition_id", def.ID),
		zap.Int("definition_version", def.Version),
		zap.String("requester", actor.Subject),
	)

	if req.IdempotencyKey != "" && e.idem != nil {
		e.remember(ctx, idempotency.FormatKey("start", req.IdempotencyKey),
			inputHash(req.Category+"|"+req.DefinitionID, req.Data), inst)
	}
	e.notifyAsync(ctx, notify.Event{
		Type:         notify.EventAssignment,
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		Category:     inst.Category,
		State:        inst.CurrentState,
		Assignee:     inst.Assignee,
		At:           now,
	})
	return inst, nil
}

// Advance applies a trigger to an instance. The instance mutation and its
// history entry commit in one atomic store call guarded by the optimistic
// version; a lost race surfaces as CONCURRENT_MODIFICATION with no partial
// effect.
func (e *Engine) Advance(ctx context.Context, actor *model.ActorContext, instanceID string, req AdvanceRequest) (model.ProcessInstance, error) {
	if err := actor.Validate(); err != nil {
		return model.ProcessInstance{}, model.NewUnauthorizedError(err.Error())
	}

	// 1. Idempotency replay check, scoped to the instance.
	var idemKey, idemHash string
	if req.IdempotencyKey != "" && e.idem != nil {
		idemKey = idempotency.FormatKey(instanceID, req.IdempotencyKey)
		idemHash = inputHash(req.Trigger, req.Data)
		if inst, done, err := e.replay(ctx, idemKey, idemHash); done {
			return inst, err
		}
	}

	// 2. Load and gate on status.
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.ProcessInstance{}, err
	}

	// Comments are a same-state history append, allowed while the
	// instance is not terminal.
	if req.Trigger == model.TriggerComment {
		return e.comment(ctx, actor, inst, req.Comment)
	}

	def, err := e.defs.Get(inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return model.ProcessInstance{}, err
	}

	if !inst.Advanceable() {
		// A final state has no outgoing transitions, so triggers against
		// it are invalid transitions rather than a lifecycle violation.
		if st, ok := def.FindState(inst.CurrentState); ok && st.IsTerminal() {
			return model.ProcessInstance{}, model.NewInvalidTransitionError(inst.CurrentState, req.Trigger)
		}
		return model.ProcessInstance{}, model.NewInstanceNotActiveError(inst.ID, inst.Status)
	}

	if err := e.authorize(&def, actor, &inst, req.Trigger); err != nil {
		return model.ProcessInstance{}, err
	}

	// 3. Resolve the transition.
	out, err := e.machine.Apply(&def, &inst, req.Trigger, actor, req.Data)
	if err != nil {
		e.metrics.RecordAdvance("rejected")
		return model.ProcessInstance{}, err
	}

	// 4. Apply the outcome to a working copy.
	now := e.now()
	dataBefore := inst.Data
	if len(req.Data) > 0 {
		inst.Data = mergedData(inst.Data, req.Data)
		recomputeDerived(inst.Data)
	}

	inst.CurrentState = out.To
	inst.StateEnteredAt = now

	if out.Decision == model.DecisionApproved && inst.Chain != nil {
		inst.ChainPosition++
	}
	if out.Terminal {
		inst.Status = model.InstanceStatusCompleted
		if req.Trigger == model.TriggerCancel {
			inst.Status = model.InstanceStatusCancelled
		}
		inst.CompletedAt = &now
		inst.Decision = out.Decision
		inst.DecisionReason = req.Comment
		inst.DueAt = nil
		inst.Assignee = model.Assignee{}
	} else {
		inst.Status = model.InstanceStatusActive
		inst.Assignee = model.Assignee{}
		if inst.Chain != nil {
			if step, ok := inst.Chain.NextStep(inst.ChainPosition); ok {
				inst.Assignee = step.Assignee
			}
		}
		toState, _ := def.FindState(out.To)
		inst.DueAt = e.dueAt(&def, toState, now)
	}
	inst.UpdatedAt = now

	// 5. Persist mutation plus history atomically.
	entry := model.HistoryEntry{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		FromState:  out.From,
		ToState:    out.To,
		Trigger:    req.Trigger,
		Actor:      actor.Subject,
		ActorRoles: actor.Roles,
		ActionType: model.ActionTransition,
		Decision:   out.Decision,
		Comment:    req.Comment,
		CreatedAt:  now,
	}
	if len(req.Data) > 0 {
		entry.DataBefore = dataBefore
		entry.DataAfter = inst.Data
	}
	if err := e.store.UpdateWithHistory(ctx, inst, entry); err != nil {
		if env, ok := err.(*model.ErrorEnvelope); ok && env.Code == model.ErrConcurrentModification {
			e.metrics.RecordConflict()
		}
		return model.ProcessInstance{}, err
	}
	inst.Version++

	// 6. Post-persist bookkeeping; never affects the outcome.
	e.metrics.RecordAdvance("applied")
	if out.Terminal {
		e.metrics.RecordCompletion(inst.Category, inst.Decision)
	}
	e.log.Info("instance advanced",
		zap.String("instance_id", inst.ID),
		zap.String("trigger", req.Trigger),
		zap.String("from", out.From),
		zap.String("to", out.To),
		zap.String("actor", actor.Subject),
	)
	if idemKey != "" {
		e.remember(ctx, idemKey, idemHash, inst)
	}
	if out.Terminal {
		e.notifyAsync(ctx, notify.Event{
			Type:         notify.EventDecision,
			InstanceID:   inst.ID,
			DefinitionID: inst.DefinitionID,
			Category:     inst.Category,
			State:        inst.CurrentState,
			Actor:        actor.Subject,
			Decision:     inst.Decision,
			At:           now,
		})
	} else if !inst.Assignee.IsZero() {
		e.notifyAsync(ctx, notify.Event{
			Type:         notify.EventAssignment,
			InstanceID:   inst.ID,
			DefinitionID: inst.DefinitionID,
			Category:     inst.Category,
			State:        inst.CurrentState,
			Assignee:     inst.Assignee,
			At:           now,
		})
	}
	return inst, nil
}

// comment appends a comment entry without changing state. Allowed on any
// non-terminal instance for the requester or current assignee.
func (e *Engine) comment(ctx context.Context, actor *model.ActorContext, inst model.ProcessInstance, text string) (model.ProcessInstance, error) {
	if inst.IsTerminalStatus() {
		return model.ProcessInstance{}, model.NewInstanceNotActiveError(inst.ID, inst.Status)
	}
	if text == "" {
		return model.ProcessInstance{}, model.NewBadRequestError("comment text is required")
	}
	if actor.Subject != inst.Requester && !actor.CanActAs(inst.Assignee) && !actor.IsSystem() {
		return model.ProcessInstance{}, model.NewForbiddenError("not a participant of this instance")
	}

	now := e.now()
	inst.UpdatedAt = now
	entry := model.HistoryEntry{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		FromState:  inst.CurrentState,
		ToState:    inst.CurrentState,
		Trigger:    model.TriggerComment,
		Actor:      actor.Subject,
		ActorRoles: actor.Roles,
		ActionType: model.ActionComment,
		Comment:    text,
		CreatedAt:  now,
	}
	if err := e.store.UpdateWithHistory(ctx, inst, entry); err != nil {
		return model.ProcessInstance{}, err
	}
	inst.Version++
	return inst, nil
}

// Escalate applies one escalation rule to an instance on behalf of the
// system actor. A rule at or below the instance's current escalation level
// is a no-op, which together with the optimistic version check makes each
// level fire at most once.
func (e *Engine) Escalate(ctx context.Context, inst model.ProcessInstance, rule model.EscalationRule) error {
	if rule.Level <= inst.EscalationLevel {
		return nil
	}
	if !inst.Advanceable() {
		return nil
	}

	def, err := e.defs.Get(inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return err
	}

	now := e.now()
	entry := model.HistoryEntry{
		ID:              uuid.New().String(),
		InstanceID:      inst.ID,
		FromState:       inst.CurrentState,
		ToState:         inst.CurrentState,
		Trigger:         model.TriggerEscalation,
		Actor:           model.SystemActor,
		ActionType:      model.ActionEscalation,
		EscalationLevel: rule.Level,
		CreatedAt:       now,
	}

	inst.EscalationCount++
	inst.EscalationLevel = rule.Level
	inst.Status = model.InstanceStatusEscalated
	inst.UpdatedAt = now

	switch rule.Action {
	case model.EscalationActionReassign:
		entry.Comment = fmt.Sprintf("reassigned to %s:%s", rule.ActionTarget.Type, rule.ActionTarget.Value)
		inst.Assignee = rule.ActionTarget
		if inst.Chain != nil {
			if i := firstUnskipped(inst.Chain, inst.ChainPosition); i >= 0 {
				from := inst.Chain.Steps[i].Assignee
				inst.Chain.Steps[i].Assignee = rule.ActionTarget
				inst.Chain.Steps[i].DelegatedFrom = &from
			}
		}
	case model.EscalationActionNotify:
		entry.Comment = "escalation notification"
	case model.EscalationActionAutoDecide:
		entry.Comment = fmt.Sprintf("auto-deciding with trigger %q", rule.AutoDecision)
	}

	// Chained deadline: the next rule in the chain takes over the clock.
	inst.DueAt = nil
	if rule.NextEscalationID != "" {
		if next, ok := def.FindEscalationRule(rule.NextEscalationID); ok && next.TriggerType == model.EscalationTriggerTime {
			if d, err := time.ParseDuration(next.Timeout); err == nil && d > 0 {
				due := e.deadlines.DeadlineAfter(now, d, next)
				inst.DueAt = &due
			}
		}
	}

	if err := e.store.UpdateWithHistory(ctx, inst, entry); err != nil {
		return err
	}
	inst.Version++

	e.metrics.RecordEscalation(rule.Level)
	e.log.Info("instance escalated",
		zap.String("instance_id", inst.ID),
		zap.String("rule_id", rule.ID),
		zap.Int("level", rule.Level),
		zap.String("action", rule.Action),
	)
	e.notifyAsync(ctx, notify.Event{
		Type:         notify.EventEscalation,
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		Category:     inst.Category,
		State:        inst.CurrentState,
		Assignee:     inst.Assignee,
		Level:        rule.Level,
		At:           now,
	})

	// Auto-decide performs a follow-up system advance. Its own history
	// entry records the decision.
	if rule.Action == model.EscalationActionAutoDecide && rule.AutoDecision != "" {
		_, err := e.Advance(ctx, model.SystemActorContext(), inst.ID, AdvanceRequest{
			Trigger: rule.AutoDecision,
			Comment: fmt.Sprintf("automatic decision by escalation rule %s", rule.ID),
		})
		if err != nil {
			e.log.Warn("auto-decide failed",
				zap.String("instance_id", inst.ID),
				zap.String("rule_id", rule.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Cancel terminates an instance by status without requiring a cancel edge
// in the graph. Requester, admins, and the system may cancel.
func (e *Engine) Cancel(ctx context.Context, actor *model.ActorContext, instanceID, reason string) (model.ProcessInstance, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.ProcessInstance{}, err
	}
	if inst.IsTerminalStatus() {
		return model.ProcessInstance{}, model.NewInstanceNotActiveError(inst.ID, inst.Status)
	}
	if actor.Subject != inst.Requester && !actor.HasRole("admin") && !actor.IsSystem() {
		return model.ProcessInstance{}, model.NewForbiddenError("only the requester may cancel")
	}

	now := e.now()
	inst.Status = model.InstanceStatusCancelled
	inst.CompletedAt = &now
	inst.Decision = "cancelled"
	inst.DecisionReason = reason
	inst.DueAt = nil
	inst.Assignee = model.Assignee{}
	inst.UpdatedAt = now

	entry := model.HistoryEntry{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		FromState:  inst.CurrentState,
		ToState:    inst.CurrentState,
		Trigger:    model.TriggerCancel,
		Actor:      actor.Subject,
		ActorRoles: actor.Roles,
		ActionType: model.ActionTransition,
		Decision:   "cancelled",
		Comment:    reason,
		CreatedAt:  now,
	}
	if err := e.store.UpdateWithHistory(ctx, inst, entry); err != nil {
		return model.ProcessInstance{}, err
	}
	inst.Version++

	e.metrics.RecordCompletion(inst.Category, "cancelled")
	e.log.Info("instance cancelled",
		zap.String("instance_id", inst.ID),
		zap.String("actor", actor.Subject),
	)
	return inst, nil
}

// Suspend pauses an active or escalated instance. Suspended instances
// reject triggers and are skipped by the escalation sweep.
func (e *Engine) Suspend(ctx context.Context, actor *model.ActorContext, instanceID, reason string) (model.ProcessInstance, error) {
	return e.setStatus(ctx, actor, instanceID, reason, "suspend",
		func(inst *model.ProcessInstance) error {
			if !inst.Advanceable() {
				return model.NewInstanceNotActiveError(inst.ID, inst.Status)
			}
			inst.Status = model.InstanceStatusSuspended
			return nil
		})
}

// Resume reactivates a suspended instance.
func (e *Engine) Resume(ctx context.Context, actor *model.ActorContext, instanceID, reason string) (model.ProcessInstance, error) {
	return e.setStatus(ctx, actor, instanceID, reason, "resume",
		func(inst *model.ProcessInstance) error {
			if inst.Status != model.InstanceStatusSuspended {
				return model.NewInstanceNotActiveError(inst.ID, inst.Status)
			}
			inst.Status = model.InstanceStatusActive
			return nil
		})
}

func (e *Engine) setStatus(ctx context.Context, actor *model.ActorContext, instanceID, reason, trigger string, mutate func(*model.ProcessInstance) error) (model.ProcessInstance, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.ProcessInstance{}, err
	}
	if actor.Subject != inst.Requester && !actor.HasRole("admin") && !actor.IsSystem() {
		return model.ProcessInstance{}, model.NewForbiddenError("not permitted on this instance")
	}
	if err := mutate(&inst); err != nil {
		return model.ProcessInstance{}, err
	}

	now := e.now()
	inst.UpdatedAt = now
	entry := model.HistoryEntry{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		FromState:  inst.CurrentState,
		ToState:    inst.CurrentState,
		Trigger:    trigger,
		Actor:      actor.Subject,
		ActorRoles: actor.Roles,
		ActionType: model.ActionTransition,
		Comment:    reason,
		CreatedAt:  now,
	}
	if err := e.store.UpdateWithHistory(ctx, inst, entry); err != nil {
		return model.ProcessInstance{}, err
	}
	inst.Version++
	return inst, nil
}

// Reroute explicitly re-evaluates the approval chain against the
// instance's current data. Already-consumed chain positions are kept so
// completed approvals are never re-requested.
func (e *Engine) Reroute(ctx context.Context, actor *model.ActorContext, instanceID string) (model.ProcessInstance, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.ProcessInstance{}, err
	}
	if !inst.Advanceable() {
		return model.ProcessInstance{}, model.NewInstanceNotActiveError(inst.ID, inst.Status)
	}
	if !actor.HasRole("admin") && !actor.IsSystem() {
		return model.ProcessInstance{}, model.NewForbiddenError("chain re-evaluation requires admin")
	}

	def, err := e.defs.Get(inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return model.ProcessInstance{}, err
	}
	chain, err := e.router.ComputeChain(&def, inst.Data, actor)
	if err != nil {
		return model.ProcessInstance{}, err
	}

	now := e.now()
	oldRule := ""
	if inst.Chain != nil {
		oldRule = inst.Chain.RuleID
	}
	inst.Chain = &chain
	inst.Assignee = model.Assignee{}
	if step, ok := chain.NextStep(inst.ChainPosition); ok {
		inst.Assignee = step.Assignee
	}
	inst.UpdatedAt = now

	entry := model.HistoryEntry{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		FromState:  inst.CurrentState,
		ToState:    inst.CurrentState,
		Actor:      actor.Subject,
		ActorRoles: actor.Roles,
		ActionType: model.ActionDataUpdate,
		Comment:    fmt.Sprintf("approval chain re-evaluated: rule %s -> %s", oldRule, chain.RuleID),
		CreatedAt:  now,
	}
	if err := e.store.UpdateWithHistory(ctx, inst, entry); err != nil {
		return model.ProcessInstance{}, err
	}
	inst.Version++
	return inst, nil
}

// Get returns an instance by id.
func (e *Engine) Get(ctx context.Context, instanceID string) (model.ProcessInstance, error) {
	return e.store.Get(ctx, instanceID)
}

// List returns instances matching the filter plus the unpaginated total.
func (e *Engine) List(ctx context.Context, filter Filter) ([]model.ProcessInstance, int, error) {
	return e.store.List(ctx, filter)
}

// History returns the full ordered trail for an instance.
func (e *Engine) History(ctx context.Context, instanceID string) ([]model.HistoryEntry, error) {
	return e.store.History(ctx, instanceID)
}

// EntriesByActor returns an actor's recorded actions in a time range.
func (e *Engine) EntriesByActor(ctx context.Context, actor string, from, to time.Time) ([]model.HistoryEntry, error) {
	return e.store.EntriesByActor(ctx, actor, from, to)
}

// AvailableTriggers returns the triggers the actor may fire on the
// instance right now. Guards are not pre-evaluated; a guard rejection is a
// legitimate runtime outcome, not a missing affordance.
func (e *Engine) AvailableTriggers(ctx context.Context, actor *model.ActorContext, instanceID string) ([]string, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.Advanceable() {
		return nil, nil
	}
	def, err := e.defs.Get(inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return nil, err
	}

	var triggers []string
	for _, tr := range def.Transitions {
		if tr.From != inst.CurrentState {
			continue
		}
		if e.authorize(&def, actor, &inst, tr.Trigger) == nil {
			triggers = append(triggers, tr.Trigger)
		}
	}
	if actor.Subject == inst.Requester || actor.CanActAs(inst.Assignee) {
		triggers = append(triggers, model.TriggerComment)
	}
	return triggers, nil
}

// authorize decides whether the actor may fire the trigger on the
// instance. Cancel-class triggers belong to the requester; everything else
// requires acting as the current assignee. The requester keeps control
// while the instance sits in its initial or editable state, since the
// first approver is stamped as assignee before submission. Admins and the
// system pass.
func (e *Engine) authorize(def *model.WorkflowDefinition, actor *model.ActorContext, inst *model.ProcessInstance, trigger string) error {
	if actor.IsSystem() || actor.HasRole("admin") {
		return nil
	}
	if trigger == model.TriggerCancel {
		if actor.Subject == inst.Requester {
			return nil
		}
		return model.NewForbiddenError("only the requester may cancel")
	}
	if actor.Subject == inst.Requester {
		if st, ok := def.FindState(inst.CurrentState); ok && (st.Kind == model.StateKindInitial || st.Editable) {
			return nil
		}
	}
	if inst.Assignee.IsZero() || actor.CanActAs(inst.Assignee) {
		return nil
	}
	return model.NewForbiddenError(
		fmt.Sprintf("actor %q cannot act as %s:%s", actor.Subject, inst.Assignee.Type, inst.Assignee.Value))
}

// dueAt computes the deadline for a state: the earliest time-triggered
// escalation rule wins; a plain state timeout is the fallback. Chained
// rules are excluded, they only arm once their predecessor fires.
func (e *Engine) dueAt(def *model.WorkflowDefinition, state model.State, now time.Time) *time.Time {
	chained := make(map[string]bool)
	for _, r := range def.EscalationRules {
		if r.NextEscalationID != "" {
			chained[r.NextEscalationID] = true
		}
	}

	var best *time.Time
	for _, rule := range def.EscalationRulesFor(state.Key) {
		if rule.TriggerType != model.EscalationTriggerTime || chained[rule.ID] {
			continue
		}
		d, err := time.ParseDuration(rule.Timeout)
		if err != nil || d <= 0 {
			continue
		}
		due := e.deadlines.DeadlineAfter(now, d, rule)
		if best == nil || due.Before(*best) {
			best = &due
		}
	}
	if best != nil {
		return best
	}
	if d := def.StateTimeout(state); d > 0 {
		due := now.Add(d)
		return &due
	}
	return nil
}

// replay resolves an idempotency hit. done=true means the caller should
// return the result as-is: either the cached instance or the hash-mismatch
// conflict.
func (e *Engine) replay(ctx context.Context, key, hash string) (model.ProcessInstance, bool, error) {
	payload, found, err := e.idem.Check(ctx, key, hash)
	if err != nil {
		if found {
			return model.ProcessInstance{}, true, err
		}
		// A broken idempotency store must not take instance mutation down
		// with it; log and proceed as a miss.
		e.log.Warn("idempotency check failed", zap.String("key", key), zap.Error(err))
		return model.ProcessInstance{}, false, nil
	}
	if !found {
		return model.ProcessInstance{}, false, nil
	}
	var inst model.ProcessInstance
	if err := json.Unmarshal(payload, &inst); err != nil {
		return model.ProcessInstance{}, false, nil
	}
	return inst, true, nil
}

func (e *Engine) remember(ctx context.Context, key, hash string, inst model.ProcessInstance) {
	payload, err := json.Marshal(inst)
	if err != nil {
		return
	}
	if err := e.idem.Store(ctx, key, hash, payload, e.idemTTL); err != nil {
		e.log.Warn("idempotency store failed", zap.String("key", key), zap.Error(err))
	}
}

// notifyAsync delivers the event without blocking the caller. The notifier
// handles retries; a final failure is its problem to log.
func (e *Engine) notifyAsync(ctx context.Context, ev notify.Event) {
	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		_ = e.notifier.Notify(nctx, ev)
	}()
}

// inputHash fingerprints a request for idempotency comparison.
func inputHash(prefix string, data map[string]any) string {
	payload, _ := json.Marshal(data)
	h := sha256.Sum256(append([]byte(prefix+"\n"), payload...))
	return hex.EncodeToString(h[:])
}

// recomputeDerived refreshes fields computed from submitted data so stale
// client-supplied values never survive a write.
func recomputeDerived(data map[string]any) {
	if data == nil {
		return
	}
	if days, ok := numeric(data["requested_days"]); ok {
		data["scheduled_hours"] = days * 8
	} else if hours, ok := numeric(data["overtime_hours"]); ok {
		data["scheduled_hours"] = hours
	}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// firstUnskipped returns the index of the first unskipped step at or after
// pos, or -1.
func firstUnskipped(c *model.ApprovalChain, pos int) int {
	for i := pos; i < len(c.Steps); i++ {
		if !c.Steps[i].Skipped {
			return i
		}
	}
	return -1
}
