package analytics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/assent/internal/definition"
	"github.com/pitabwire/assent/model"
)

// HistorySource provides the read-only inputs of an analytics pass.
// Implemented by every instance store.
type HistorySource interface {
	InstancesInWindow(ctx context.Context, definitionID string, from, to time.Time) ([]model.ProcessInstance, error)
	EntriesInWindow(ctx context.Context, definitionID string, from, to time.Time) ([]model.HistoryEntry, error)
}

// Aggregator computes DefinitionMetrics from the execution history. It is
// strictly read-only: nothing here ever touches the write path, and a
// failed computation keeps serving the last good snapshot.
type Aggregator struct {
	source        HistorySource
	defs          *definition.Store
	defaultWindow time.Duration
	log           *zap.Logger
	now           func() time.Time

	mu        sync.Mutex
	snapshots map[string]*atomic.Pointer[model.DefinitionMetrics]
}

// NewAggregator creates an analytics aggregator. defaultWindow is the
// span of the cached per-definition snapshot.
func NewAggregator(source HistorySource, defs *definition.Store, defaultWindow time.Duration, log *zap.Logger) *Aggregator {
	if defaultWindow <= 0 {
		defaultWindow = 30 * 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{
		source:        source,
		defs:          defs,
		defaultWindow: defaultWindow,
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
		snapshots:     make(map[string]*atomic.Pointer[model.DefinitionMetrics]),
	}
}

// WithClock overrides the aggregator clock. For tests.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	if now != nil {
		a.now = now
	}
	return a
}

// Metrics returns metrics for a definition. A zero window means the
// default window, served from the cached snapshot when one exists;
// explicit windows compute on demand.
func (a *Aggregator) Metrics(ctx context.Context, definitionID string, window model.MetricsWindow) (model.DefinitionMetrics, error) {
	if window.From.IsZero() && window.To.IsZero() {
		if snap := a.snapshot(definitionID).Load(); snap != nil {
			return *snap, nil
		}
		now := a.now()
		window = model.MetricsWindow{From: now.Add(-a.defaultWindow), To: now}
	}
	if window.To.IsZero() {
		window.To = a.now()
	}
	return a.Compute(ctx, definitionID, window)
}

// Compute scans instances and history entries in the window and derives
// the full metrics record.
func (a *Aggregator) Compute(ctx context.Context, definitionID string, window model.MetricsWindow) (model.DefinitionMetrics, error) {
	instances, err := a.source.InstancesInWindow(ctx, definitionID, window.From, window.To)
	if err != nil {
		return model.DefinitionMetrics{}, err
	}
	entries, err := a.source.EntriesInWindow(ctx, definitionID, window.From, window.To)
	if err != nil {
		return model.DefinitionMetrics{}, err
	}

	m := model.DefinitionMetrics{
		DefinitionID: definitionID,
		Window:       window,
		ComputedAt:   a.now(),
	}

	// Volume and outcome rates.
	var cycleTimes []time.Duration
	decided, approved, rejected := 0, 0, 0
	slaTotal, slaMet := 0, 0
	def, defErr := a.defs.Get(definitionID, 0)

	for _, inst := range instances {
		m.Volume.Started++
		switch inst.Status {
		case model.InstanceStatusCompleted:
			m.Volume.Completed++
		case model.InstanceStatusCancelled:
			m.Volume.Cancelled++
		}
		if inst.EscalationCount > 0 {
			m.Volume.Escalated++
		}
		if inst.CompletedAt != nil {
			cycleTimes = append(cycleTimes, inst.CompletedAt.Sub(inst.StartedAt))
		}
		switch inst.Decision {
		case model.DecisionApproved:
			decided++
			approved++
		case model.DecisionRejected:
			decided++
			rejected++
		}
	}

	if len(instances) > 0 {
		m.Rates.Escalation = float64(m.Volume.Escalated) / float64(len(instances))
	}
	if decided > 0 {
		m.Rates.Approval = float64(approved) / float64(decided)
		m.Rates.Rejection = float64(rejected) / float64(decided)
	}
	m.CycleTime = cycleDistribution(cycleTimes)

	// Per-state wait times from consecutive history timestamps.
	waits := stateWaits(entries)
	dataUpdates := dataUpdatesByState(entries)
	escalations := escalationsByState(entries)

	for state, w := range waits {
		if defErr == nil {
			if st, ok := def.FindState(state); ok {
				if st.IsTerminal() {
					continue
				}
				if sla := def.StateSLA(st); sla > 0 {
					for _, d := range w.durations {
						slaTotal++
						if d <= sla {
							slaMet++
						}
					}
				}
			}
		}
		rec := model.BottleneckRecord{
			State:         state,
			AvgWait:       w.avg(),
			MaxWait:       w.max,
			InstanceCount: len(w.durations),
		}
		rec.RootCause = rootCause(rec, len(instances), escalations[state], dataUpdates[state])
		m.Bottlenecks = append(m.Bottlenecks, rec)
	}
	if slaTotal > 0 {
		m.SLACompliance = float64(slaMet) / float64(slaTotal)
	} else {
		m.SLACompliance = 1
	}

	// Rank by total time spent waiting: average×count, worst first.
	sort.Slice(m.Bottlenecks, func(i, j int) bool {
		si := m.Bottlenecks[i].AvgWait.Seconds() * float64(m.Bottlenecks[i].InstanceCount)
		sj := m.Bottlenecks[j].AvgWait.Seconds() * float64(m.Bottlenecks[j].InstanceCount)
		if si != sj {
			return si > sj
		}
		return m.Bottlenecks[i].State < m.Bottlenecks[j].State
	})

	return m, nil
}

// Refresh recomputes the default-window snapshot for every known
// definition. Failures keep the previous snapshot.
func (a *Aggregator) Refresh(ctx context.Context) {
	now := a.now()
	window := model.MetricsWindow{From: now.Add(-a.defaultWindow), To: now}

	seen := map[string]bool{}
	for _, def := range a.defs.All() {
		if seen[def.ID] {
			continue
		}
		seen[def.ID] = true

		m, err := a.Compute(ctx, def.ID, window)
		if err != nil {
			a.log.Warn("analytics refresh failed",
				zap.String("definition_id", def.ID), zap.Error(err))
			continue
		}
		a.snapshot(def.ID).Store(&m)
	}
}

// Run refreshes on a ticker until the context is cancelled. One immediate
// refresh primes the cache.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	a.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Refresh(ctx)
		}
	}
}

func (a *Aggregator) snapshot(definitionID string) *atomic.Pointer[model.DefinitionMetrics] {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.snapshots[definitionID]
	if !ok {
		p = &atomic.Pointer[model.DefinitionMetrics]{}
		a.snapshots[definitionID] = p
	}
	return p
}

// --- derivation helpers ---

type waitStats struct {
	durations []time.Duration
	max       time.Duration
}

func (w *waitStats) add(d time.Duration) {
	w.durations = append(w.durations, d)
	if d > w.max {
		w.max = d
	}
}

func (w *waitStats) avg() time.Duration {
	if len(w.durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range w.durations {
		total += d
	}
	return total / time.Duration(len(w.durations))
}

// stateWaits derives how long each instance sat in each state from
// consecutive transition timestamps.
func stateWaits(entries []model.HistoryEntry) map[string]*waitStats {
	byInstance := map[string][]model.HistoryEntry{}
	for _, e := range entries {
		byInstance[e.InstanceID] = append(byInstance[e.InstanceID], e)
	}

	waits := map[string]*waitStats{}
	for _, trail := range byInstance {
		sort.Slice(trail, func(i, j int) bool { return trail[i].Seq < trail[j].Seq })
		for i := 0; i < len(trail)-1; i++ {
			cur := trail[i]
			// Find the entry that left cur's state; same-state appends
			// (comments, escalations) extend the wait.
			var next *model.HistoryEntry
			for j := i + 1; j < len(trail); j++ {
				if trail[j].ToState != cur.ToState {
					next = &trail[j]
					break
				}
			}
			if next == nil {
				continue
			}
			ws, ok := waits[cur.ToState]
			if !ok {
				ws = &waitStats{}
				waits[cur.ToState] = ws
			}
			ws.add(next.CreatedAt.Sub(cur.CreatedAt))
		}
	}
	return waits
}

func dataUpdatesByState(entries []model.HistoryEntry) map[string]int {
	counts := map[string]int{}
	for _, e := range entries {
		if e.ActionType == model.ActionDataUpdate || (e.ActionType == model.ActionTransition && e.DataAfter != nil && e.FromState != "") {
			counts[e.FromState]++
		}
	}
	return counts
}

func escalationsByState(entries []model.HistoryEntry) map[string]int {
	counts := map[string]int{}
	for _, e := range entries {
		if e.ActionType == model.ActionEscalation {
			counts[e.ToState]++
		}
	}
	return counts
}

// rootCause picks the dominant explanation for a slow state. Heuristic and
// best-guess: escalation churn beats data rework beats volume; plain slow
// approvers are the default.
func rootCause(rec model.BottleneckRecord, totalInstances, escalations, dataUpdates int) string {
	if rec.InstanceCount == 0 {
		return model.RootCauseApproverLatency
	}
	if float64(escalations) >= 0.5*float64(rec.InstanceCount) {
		return model.RootCauseEscalationChurn
	}
	if float64(dataUpdates) >= 0.5*float64(rec.InstanceCount) {
		return model.RootCauseDataRework
	}
	if totalInstances > 0 && float64(rec.InstanceCount) >= 0.8*float64(totalInstances) && rec.AvgWait > 0 {
		return model.RootCauseHighVolume
	}
	return model.RootCauseApproverLatency
}

func cycleDistribution(times []time.Duration) model.CycleTimeMetrics {
	if len(times) == 0 {
		return model.CycleTimeMetrics{}
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	var total time.Duration
	for _, d := range times {
		total += d
	}
	p95 := times[(len(times)*95)/100]
	if (len(times)*95)%100 == 0 && (len(times)*95)/100 > 0 {
		p95 = times[(len(times)*95)/100-1]
	}
	return model.CycleTimeMetrics{
		Avg:    total / time.Duration(len(times)),
		Median: times[len(times)/2],
		P95:    p95,
	}
}
