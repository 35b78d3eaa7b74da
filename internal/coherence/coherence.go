// Package coherence is the bus core facade: typed publish/subscribe wrappers
// around the four channels, health reporting, and prometheus metrics. External
// producers and consumers go through this package rather than the raw broker
// client.
package coherence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"coherencebus/internal/breaker"
	"coherencebus/internal/bus"
	"coherencebus/internal/evaluator"
	"coherencebus/internal/knowledge"
	"coherencebus/internal/logging"
	"coherencebus/internal/types"
)

// Options wire the core to its collaborators. Pool is optional; without it the
// drift EWMA reads zero.
type Options struct {
	Bus      *bus.Client
	Store    *knowledge.Store
	Breakers *breaker.Registry
	Pool     *evaluator.Pool

	// Source stamps outgoing envelopes. Default "coherence_core".
	Source string
}

// Core is the coherence bus facade. Safe for concurrent use.
type Core struct {
	opts Options
}

// New builds the facade.
func New(opts Options) (*Core, error) {
	if opts.Bus == nil || opts.Store == nil || opts.Breakers == nil {
		return nil, fmt.Errorf("coherence core requires bus, store, and breakers")
	}
	if opts.Source == "" {
		opts.Source = "coherence_core"
	}
	return &Core{opts: opts}, nil
}

// publish wraps, times, and records one envelope publish.
func (c *Core) publish(ctx context.Context, channel types.Channel, messageType string, payload any, customize func(*types.Envelope)) (bus.Offset, error) {
	env, err := types.NewEnvelope(channel, messageType, payload, c.opts.Source)
	if err != nil {
		return "", err
	}
	if customize != nil {
		customize(env)
	}

	start := time.Now()
	offset, err := c.opts.Bus.Publish(ctx, env)
	publishLatency.WithLabelValues(string(channel)).Observe(time.Since(start).Seconds())
	if err != nil {
		publishErrors.WithLabelValues(string(channel), errorKind(err)).Inc()
		return "", err
	}
	publishTotal.WithLabelValues(string(channel)).Inc()
	return offset, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, types.ErrBusBackpressure):
		return "BusBackpressure"
	case errors.Is(err, types.ErrCircuitOpen):
		return "CircuitOpen"
	case errors.Is(err, types.ErrBusUnavailable):
		return "BusUnavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "DeadlineExceeded"
	case errors.Is(err, context.Canceled):
		return "Cancelled"
	default:
		return "other"
	}
}

// PublishMutation proposes a mutation on context_mutations. Idempotent on
// mutation_id: resubmitting returns the original offset.
func (c *Core) PublishMutation(ctx context.Context, m *types.Mutation) (bus.Offset, error) {
	if m.MutationID == "" {
		m.MutationID = types.NewMutationID()
	}
	if err := m.Validate(); err != nil {
		return "", fmt.Errorf("invalid mutation: %w", err)
	}
	m.Status = types.StatusPending
	return c.publish(ctx, types.ChannelMutations, types.MsgMutationProposed, m, func(env *types.Envelope) {
		env.MessageID = "sub-" + m.MutationID
		env.CorrelationID = m.MutationID
	})
}

// PublishOutcome emits a mutation_outcome event on semantic_validation.
func (c *Core) PublishOutcome(ctx context.Context, ev types.OutcomeEvent) (bus.Offset, error) {
	return c.publish(ctx, types.ChannelValidation, types.MsgMutationOutcome, ev, func(env *types.Envelope) {
		env.MessageID = fmt.Sprintf("out-%s-%s", ev.MutationID, ev.Status)
		env.CorrelationID = ev.MutationID
	})
}

// PublishDecision emits an operator deliberation decision on
// semantic_validation.
func (c *Core) PublishDecision(ctx context.Context, dec types.DeliberationDecision) (bus.Offset, error) {
	if dec.MutationID == "" {
		return "", fmt.Errorf("decision requires a mutation_id")
	}
	if dec.Decision != types.DecisionApprove && dec.Decision != types.DecisionDiscard {
		return "", fmt.Errorf("unknown decision %q", dec.Decision)
	}
	return c.publish(ctx, types.ChannelValidation, types.MsgDeliberationDecision, dec, func(env *types.Envelope) {
		env.MessageID = fmt.Sprintf("dec-%s-%s", dec.MutationID, dec.Decision)
		env.CorrelationID = dec.MutationID
	})
}

// PublishAlert emits a coherence_alerts event. Priority 1 bypasses
// backpressure pacing.
func (c *Core) PublishAlert(ctx context.Context, alert types.AlertEvent, priority int) (bus.Offset, error) {
	return c.publish(ctx, types.ChannelAlerts, types.MsgCoherenceAlert, alert, func(env *types.Envelope) {
		env.MessageID = fmt.Sprintf("alert-%s-%s", alert.Kind, alert.MutationID)
		env.CorrelationID = alert.MutationID
		env.Priority = priority
	})
}

// PublishFragment emits a fragment_update keyed by (agent, commit).
func (c *Core) PublishFragment(ctx context.Context, frag *types.Fragment) (bus.Offset, error) {
	return c.publish(ctx, types.ChannelFragments, types.MsgFragmentUpdate, frag, func(env *types.Envelope) {
		env.MessageID = fmt.Sprintf("frag-%s-%d", frag.AgentKind, frag.ParentCommitVersion)
	})
}

// SubscribeMutations consumes mutation proposals. Blocks until ctx cancels.
func (c *Core) SubscribeMutations(ctx context.Context, group, consumer string, handle func(context.Context, *types.Mutation) error) error {
	return c.opts.Bus.Subscribe(ctx, types.ChannelMutations, group, consumer, decodeAs(types.MsgMutationProposed,
		func(ctx context.Context, m *types.Mutation) error { return handle(ctx, m) }))
}

// SubscribeOutcomes consumes mutation_outcome events.
func (c *Core) SubscribeOutcomes(ctx context.Context, group, consumer string, handle func(context.Context, types.OutcomeEvent) error) error {
	return c.opts.Bus.Subscribe(ctx, types.ChannelValidation, group, consumer, decodeAs(types.MsgMutationOutcome,
		func(ctx context.Context, ev *types.OutcomeEvent) error { return handle(ctx, *ev) }))
}

// SubscribeAlerts consumes coherence_alerts events.
func (c *Core) SubscribeAlerts(ctx context.Context, group, consumer string, handle func(context.Context, types.AlertEvent) error) error {
	return c.opts.Bus.Subscribe(ctx, types.ChannelAlerts, group, consumer, decodeAs(types.MsgCoherenceAlert,
		func(ctx context.Context, ev *types.AlertEvent) error { return handle(ctx, *ev) }))
}

// SubscribeFragments consumes fragment updates.
func (c *Core) SubscribeFragments(ctx context.Context, group, consumer string, handle func(context.Context, *types.Fragment) error) error {
	return c.opts.Bus.Subscribe(ctx, types.ChannelFragments, group, consumer, decodeAs(types.MsgFragmentUpdate,
		func(ctx context.Context, f *types.Fragment) error { return handle(ctx, f) }))
}

// decodeAs adapts a typed handler to the bus handler, ignoring other message
// types on the channel.
func decodeAs[T any](messageType string, handle func(context.Context, *T) error) bus.Handler {
	return func(ctx context.Context, env *types.Envelope) error {
		if env.MessageType != messageType {
			return nil
		}
		var payload T
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			// Undecodable payloads can never succeed; drop rather than bounce
			// through redelivery.
			logging.Get(logging.CategoryBus).Error("undecodable %s payload in %s: %v", messageType, env.MessageID, err)
			return nil
		}
		return handle(ctx, &payload)
	}
}

// Health is a point-in-time view of the bus core.
type Health struct {
	Healthy        bool                    `json:"healthy"`
	CommitVersion  uint64                  `json:"commit_version"`
	CoherenceScore float64                 `json:"coherence_score"`
	ContextHash    string                  `json:"context_hash"`
	CommitLag      time.Duration           `json:"commit_lag"`
	DriftEWMA      float64                 `json:"drift_ewma"`
	Breakers       []breaker.Snapshot      `json:"breakers"`
	Channels       map[types.Channel]int64 `json:"channels"`
}

// Health reports breaker states, channel lengths, commit lag, and evaluator
// degradation. Unhealthy when any breaker is open or the broker is
// unreachable; the gauges refresh as a side effect.
func (c *Core) Health(ctx context.Context) (*Health, error) {
	version, tree := c.opts.Store.Current()
	h := &Health{
		Healthy:        true,
		CommitVersion:  version,
		CoherenceScore: tree.CoherenceScore,
		ContextHash:    tree.ContextHash,
		CommitLag:      time.Since(tree.LastUpdated),
		Breakers:       c.opts.Breakers.Snapshots(),
	}
	if c.opts.Pool != nil {
		h.DriftEWMA = c.opts.Pool.DriftEWMA()
	}

	for _, snap := range h.Breakers {
		breakerState.WithLabelValues(snap.Name).Set(stateValue(snap.State))
		if snap.State == "open" {
			h.Healthy = false
		}
	}
	commitLag.Set(h.CommitLag.Seconds())
	driftEWMA.Set(h.DriftEWMA)

	lengths, err := c.opts.Bus.Lengths(ctx)
	if err != nil {
		h.Healthy = false
		return h, err
	}
	h.Channels = lengths
	for ch, n := range lengths {
		channelLength.WithLabelValues(string(ch)).Set(float64(n))
	}
	return h, nil
}

// Metrics returns the gatherer serving every collector this package registers.
func (c *Core) Metrics() prometheus.Gatherer {
	return prometheus.DefaultGatherer
}
