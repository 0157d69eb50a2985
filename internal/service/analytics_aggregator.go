package service

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/events"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
)

// AggregatorConfig tunes snapshot computation.
type AggregatorConfig struct {
	// BottleneckMultiple flags approvers slower than this multiple of the
	// cohort median.
	BottleneckMultiple float64
	// LongPending is the age after which an open request counts as long
	// pending.
	LongPending time.Duration
}

// AnalyticsAggregator computes per (institution, data_type, day) snapshots.
// Every computation derives from stored requests and actions only, so
// recomputing a key overwrites its row with identical content.
type AnalyticsAggregator struct {
	store repository.Store
	cfg   AggregatorConfig
	log   *logger.Logger

	mu    sync.Mutex
	dirty map[string]repository.SnapshotKey
}

// NewAnalyticsAggregator creates a new AnalyticsAggregator.
func NewAnalyticsAggregator(store repository.Store, cfg AggregatorConfig, log *logger.Logger) *AnalyticsAggregator {
	if cfg.BottleneckMultiple <= 0 {
		cfg.BottleneckMultiple = 2
	}
	if cfg.LongPending <= 0 {
		cfg.LongPending = 72 * time.Hour
	}
	return &AnalyticsAggregator{
		store: store,
		cfg:   cfg,
		log:   log,
		dirty: make(map[string]repository.SnapshotKey),
	}
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ── Triggers ──────────────────────────────────────────────────────────────────

// Handle marks the event's snapshot key dirty. It is the bus subscriber.
func (a *AnalyticsAggregator) Handle(_ context.Context, e events.Event) {
	k := repository.SnapshotKey{InstitutionID: e.InstitutionID, DataType: e.DataType, Day: Day(e.OccurredAt)}
	a.mu.Lock()
	a.dirty[k.String()] = k
	a.mu.Unlock()
}

// FlushDirty recomputes every key touched since the last flush. Keys that
// fail stay dirty for the next flush.
func (a *AnalyticsAggregator) FlushDirty(ctx context.Context) (int, error) {
	a.mu.Lock()
	keys := make([]repository.SnapshotKey, 0, len(a.dirty))
	for _, k := range a.dirty {
		keys = append(keys, k)
	}
	a.dirty = make(map[string]repository.SnapshotKey)
	a.mu.Unlock()

	done := 0
	var firstErr error
	for _, k := range keys {
		if _, err := a.Recompute(ctx, k); err != nil {
			a.mu.Lock()
			a.dirty[k.String()] = k
			a.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		done++
	}
	return done, firstErr
}

// RunDay recomputes the snapshot of day for every institution and data type
// that had requests by the end of that day.
func (a *AnalyticsAggregator) RunDay(ctx context.Context, day time.Time) (int, error) {
	day = Day(day)
	keys, err := a.store.ListSnapshotKeys(ctx, day.AddDate(0, 0, 1))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		k.Day = day
		if _, err := a.Recompute(ctx, k); err != nil {
			a.log.Warn().Err(err).Str("snapshot", k.String()).Msg("Snapshot computation failed; skipping")
			continue
		}
		n++
	}
	a.log.Info().Str("day", day.Format("2006-01-02")).Int("snapshots", n).Msg("Daily analytics computed")
	return n, nil
}

// Recompute computes and stores the snapshot for key.
func (a *AnalyticsAggregator) Recompute(ctx context.Context, key repository.SnapshotKey) (*repository.AnalyticsSnapshot, error) {
	key.Day = Day(key.Day)
	snap, err := a.Compute(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := a.store.UpsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// List returns stored snapshots.
func (a *AnalyticsAggregator) List(ctx context.Context, filter repository.SnapshotFilter) ([]*repository.AnalyticsSnapshot, error) {
	return a.store.ListSnapshots(ctx, filter)
}

// ── Computation ───────────────────────────────────────────────────────────────

// Compute derives the snapshot for key without storing it. State "as of the
// day" is reconstructed from submitted_at and completed_at, so the result
// does not depend on when it runs.
func (a *AnalyticsAggregator) Compute(ctx context.Context, key repository.SnapshotKey) (*repository.AnalyticsSnapshot, error) {
	start := Day(key.Day)
	end := start.AddDate(0, 0, 1)
	inDay := func(t time.Time) bool { return !t.Before(start) && t.Before(end) }

	reqs, err := a.store.ListRequests(ctx, repository.RequestFilter{
		InstitutionIDs: []string{key.InstitutionID},
		DataType:       key.DataType,
		SubmittedTo:    &end,
	})
	if err != nil {
		return nil, err
	}

	snap := &repository.AnalyticsSnapshot{
		InstitutionID: key.InstitutionID,
		DataType:      key.DataType,
		Day:           start,
		LevelLatency:  map[string]float64{},
		Bottlenecks:   []repository.Bottleneck{},
	}

	ids := make([]string, 0, len(reqs))
	var approvedLatency []float64
	for _, r := range reqs {
		ids = append(ids, r.ID)
		if inDay(r.SubmittedAt) {
			snap.TotalSubmitted++
		}

		if r.CompletedAt != nil && inDay(*r.CompletedAt) {
			switch r.Status {
			case repository.StatusApproved:
				snap.TotalApproved++
				approvedLatency = append(approvedLatency, r.CompletedAt.Sub(r.SubmittedAt).Seconds())
			case repository.StatusRejected:
				snap.TotalRejected++
			case repository.StatusCancelled:
				snap.TotalCancelled++
			}
		}

		openAtEnd := r.CompletedAt == nil || !r.CompletedAt.Before(end)
		if openAtEnd {
			snap.TotalPending++
			if r.Deadline != nil && r.Deadline.Before(end) {
				snap.TotalOverdue++
			}
			if end.Sub(r.SubmittedAt) > a.cfg.LongPending {
				snap.TotalLongPending++
			}
		}
	}
	snap.AvgLatencySeconds = round(mean(approvedLatency))

	actions, err := a.store.ListActionsForRequests(ctx, ids)
	if err != nil {
		return nil, err
	}

	levelSamples := map[int][]float64{}
	approverSamples := map[string][]float64{}
	for _, r := range reqs {
		list := actions[r.ID]
		sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
		prev := r.SubmittedAt
		for _, act := range list {
			gap := act.CreatedAt.Sub(prev).Seconds()
			prev = act.CreatedAt
			if !inDay(act.CreatedAt) || !isDecision(act.Action) {
				continue
			}
			levelSamples[act.Level] = append(levelSamples[act.Level], gap)
			if act.ApproverID != repository.SystemActor {
				approverSamples[act.ApproverID] = append(approverSamples[act.ApproverID], gap)
			}
		}
	}

	for level, samples := range levelSamples {
		snap.LevelLatency[strconv.Itoa(level)] = round(mean(samples))
	}
	snap.Bottlenecks = a.bottlenecks(approverSamples)
	return snap, nil
}

// bottlenecks flags approvers whose mean response exceeds the configured
// multiple of the median of all approver means.
func (a *AnalyticsAggregator) bottlenecks(samples map[string][]float64) []repository.Bottleneck {
	out := []repository.Bottleneck{}
	if len(samples) == 0 {
		return out
	}
	avgs := make([]float64, 0, len(samples))
	for _, s := range samples {
		avgs = append(avgs, mean(s))
	}
	threshold := median(avgs) * a.cfg.BottleneckMultiple

	for id, s := range samples {
		if avg := mean(s); avg > threshold {
			out = append(out, repository.Bottleneck{
				ApproverID:         id,
				AvgResponseSeconds: round(avg),
				Actions:            len(s),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApproverID < out[j].ApproverID })
	return out
}

func isDecision(a repository.ActionType) bool {
	return a == repository.ActionApproved || a == repository.ActionRejected || a == repository.ActionReturned
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// round keeps three decimals so repeated runs store identical values.
func round(f float64) float64 {
	return math.Round(f*1000) / 1000
}
