package evaluator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"coherencebus/internal/breaker"
	"coherencebus/internal/logging"
	"coherencebus/internal/types"
)

// Deadlines bound each capability call.
type Deadlines struct {
	Drift         time.Duration
	Contradiction time.Duration
	Revision      time.Duration
	Utility       time.Duration
}

// DefaultDeadlines mirror the documented per-evaluator defaults.
func DefaultDeadlines() Deadlines {
	return Deadlines{
		Drift:         200 * time.Millisecond,
		Contradiction: 500 * time.Millisecond,
		Revision:      300 * time.Millisecond,
		Utility:       100 * time.Millisecond,
	}
}

// Options tune the pool.
type Options struct {
	Deadlines Deadlines
	Breakers  *breaker.Registry

	// MaxInflight mutations evaluate concurrently. Default 4 x GOMAXPROCS.
	MaxInflight int64
	// QueueDepth bounds submissions waiting for an inflight slot. Default
	// 10_000; excess submissions are rejected immediately.
	QueueDepth int64

	// DriftDeliberation forces requires_deliberation above this magnitude.
	// Default 0.78.
	DriftDeliberation float64
	// ContradictionConfidence is the reject threshold for a contradicts
	// verdict. Default 0.85.
	ContradictionConfidence float64
	// Utility floors. A mutation touching a high-criticality domain is
	// "critical" and gets the lower floor. Defaults 0.3 / 0.6.
	UtilityFloorCritical float64
	UtilityFloorStandard float64

	// EWMA parameters for the degraded-drift fallback. The seed sits below
	// the deliberation threshold so a cold-start degraded verdict never
	// forces deliberation on its own.
	EWMAAlpha float64
	EWMASeed  float64
}

// Outcome carries every verdict gathered for one mutation. Degraded lists the
// capabilities whose conservative default was used.
type Outcome struct {
	Drift         DriftResult
	Contradiction ContradictionResult
	Revision      RevisionResult
	Utility       UtilityResult
	Degraded      []string
	// Suspend means the mutation must be parked for operator deliberation
	// rather than applied or rejected.
	Suspend bool
	// Revised means the reviser changed the proposal in place; it must
	// re-enter validation exactly once.
	Revised bool
}

// Pool coordinates the four capabilities. Evaluators on one mutation run in
// sequence; across mutations the pool runs in parallel bounded by MaxInflight.
type Pool struct {
	drift         DriftEvaluator
	contradiction ContradictionEvaluator
	revision      RevisionEvaluator
	utility       UtilityEvaluator
	opts          Options

	sem    *semaphore.Weighted
	queued atomic.Int64

	dlMu      sync.RWMutex
	deadlines Deadlines

	ewmaMu sync.Mutex
	ewma   float64
}

// NewPool wires the capability set. Nil capabilities fall back to the
// heuristic defaults.
func NewPool(drift DriftEvaluator, contradiction ContradictionEvaluator, revision RevisionEvaluator, utility UtilityEvaluator, opts Options) *Pool {
	if drift == nil {
		drift = HeuristicDrift{}
	}
	if contradiction == nil {
		contradiction = HeuristicContradiction{}
	}
	if revision == nil {
		revision = HeuristicRevision{}
	}
	if utility == nil {
		utility = HeuristicUtility{}
	}
	if opts.Deadlines == (Deadlines{}) {
		opts.Deadlines = DefaultDeadlines()
	}
	if opts.Breakers == nil {
		opts.Breakers = breaker.NewRegistry(breaker.DefaultSettings())
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = int64(4 * runtime.GOMAXPROCS(0))
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 10_000
	}
	if opts.DriftDeliberation == 0 {
		opts.DriftDeliberation = 0.78
	}
	if opts.ContradictionConfidence == 0 {
		opts.ContradictionConfidence = 0.85
	}
	if opts.UtilityFloorCritical == 0 {
		opts.UtilityFloorCritical = 0.3
	}
	if opts.UtilityFloorStandard == 0 {
		opts.UtilityFloorStandard = 0.6
	}
	if opts.EWMAAlpha == 0 {
		opts.EWMAAlpha = 0.3
	}
	if opts.EWMASeed == 0 {
		opts.EWMASeed = 0.2
	}
	return &Pool{
		drift:         drift,
		contradiction: contradiction,
		revision:      revision,
		utility:       utility,
		opts:          opts,
		deadlines:     opts.Deadlines,
		sem:           semaphore.NewWeighted(opts.MaxInflight),
		ewma:          opts.EWMASeed,
	}
}

// Deadlines returns the current capability deadlines.
func (p *Pool) Deadlines() Deadlines {
	p.dlMu.RLock()
	defer p.dlMu.RUnlock()
	return p.deadlines
}

// SetDeadlines replaces the capability deadlines. Evaluations already in
// flight keep the values they started with.
func (p *Pool) SetDeadlines(d Deadlines) {
	if d == (Deadlines{}) {
		d = DefaultDeadlines()
	}
	p.dlMu.Lock()
	p.deadlines = d
	p.dlMu.Unlock()
}

// DriftEWMA returns the current degraded-drift fallback magnitude.
func (p *Pool) DriftEWMA() float64 {
	p.ewmaMu.Lock()
	defer p.ewmaMu.Unlock()
	return p.ewma
}

func (p *Pool) updateEWMA(magnitude float64) {
	p.ewmaMu.Lock()
	p.ewma = p.opts.EWMAAlpha*magnitude + (1-p.opts.EWMAAlpha)*p.ewma
	p.ewmaMu.Unlock()
}

// Evaluate runs the capability sequence on one mutation. It may set
// RequiresDeliberation and, after revision, NewValue/Confidence on m.
// Terminal rejects return ErrContradiction, ErrUtilityTooLow, or
// ErrEvaluatorsDegraded alongside the partial outcome.
func (p *Pool) Evaluate(ctx context.Context, tree *types.KnowledgeTree, m *types.Mutation) (*Outcome, error) {
	if queued := p.queued.Add(1); queued > p.opts.QueueDepth {
		p.queued.Add(-1)
		return nil, fmt.Errorf("%w: evaluator queue full (%d waiting)", types.ErrBusBackpressure, queued-1)
	}
	defer p.queued.Add(-1)
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	timer := logging.StartTimer(logging.CategoryEvaluator, "Evaluate "+m.MutationID)
	defer timer.Stop()

	out := &Outcome{}
	dl := p.Deadlines()

	// 1. Drift.
	err := p.call(ctx, "drift", dl.Drift, func(cctx context.Context) error {
		res, err := p.drift.Drift(cctx, tree, m)
		if err == nil {
			out.Drift = res
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out.Drift = DriftResult{Magnitude: p.DriftEWMA(), Explanation: "degraded: previous EWMA"}
		if rejected := p.degrade(out, "drift", err); rejected != nil {
			return out, rejected
		}
	} else {
		p.updateEWMA(out.Drift.Magnitude)
	}
	if out.Drift.Magnitude > p.opts.DriftDeliberation && !m.RequiresDeliberation {
		m.RequiresDeliberation = true
		logging.Evaluator("%s: drift %.3f above %.2f, forcing deliberation",
			m.MutationID, out.Drift.Magnitude, p.opts.DriftDeliberation)
	}

	// 2. Contradiction.
	err = p.call(ctx, "contradiction", dl.Contradiction, func(cctx context.Context) error {
		res, err := p.contradiction.Contradict(cctx, tree, m)
		if err == nil {
			out.Contradiction = res
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out.Contradiction = ContradictionResult{Verdict: VerdictInconclusive}
		if rejected := p.degrade(out, "contradiction", err); rejected != nil {
			return out, rejected
		}
	}
	if out.Contradiction.Verdict == VerdictContradicts &&
		out.Contradiction.Confidence >= p.opts.ContradictionConfidence {
		if m.RequiresDeliberation {
			out.Suspend = true
			logging.Evaluator("%s: contradiction @ %.2f with deliberation, suspending",
				m.MutationID, out.Contradiction.Confidence)
			return out, nil
		}
		return out, fmt.Errorf("%w: %s @ %.2f", types.ErrContradiction,
			m.Target, out.Contradiction.Confidence)
	}

	// 3. Belief revision.
	err = p.call(ctx, "revision", dl.Revision, func(cctx context.Context) error {
		res, err := p.revision.Revise(cctx, tree, m)
		if err == nil {
			out.Revision = res
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out.Revision = RevisionResult{ApprovedValue: m.NewValue, NewConfidence: m.Confidence, Rationale: "degraded: identity"}
		if rejected := p.degrade(out, "revision", err); rejected != nil {
			return out, rejected
		}
	}
	if out.Revision.Changed {
		m.NewValue = out.Revision.ApprovedValue
		m.Confidence = out.Revision.NewConfidence
		out.Revised = true
		logging.Evaluator("%s: revised (%s), re-validation required", m.MutationID, out.Revision.Rationale)
	}

	// 4. Utility.
	err = p.call(ctx, "utility", dl.Utility, func(cctx context.Context) error {
		res, err := p.utility.Utility(cctx, tree, m)
		if err == nil {
			out.Utility = res
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out.Utility = UtilityResult{Score: 0.5, Features: map[string]float64{"degraded": 1}}
		if rejected := p.degrade(out, "utility", err); rejected != nil {
			return out, rejected
		}
	}
	floor := p.opts.UtilityFloorStandard
	if d, ok := tree.Domains[m.TargetDomain()]; ok && d.Criticality == types.CriticalityHigh {
		floor = p.opts.UtilityFloorCritical
	}
	if out.Utility.Score < floor {
		return out, fmt.Errorf("%w: %.2f below floor %.2f", types.ErrUtilityTooLow, out.Utility.Score, floor)
	}

	return out, nil
}

// degrade records a failed capability and enforces the >= 2 failures policy.
func (p *Pool) degrade(out *Outcome, capability string, cause error) error {
	out.Degraded = append(out.Degraded, capability)
	logging.Evaluator("degraded %s: %v", capability, cause)
	if len(out.Degraded) >= 2 {
		return fmt.Errorf("%w: %v", types.ErrEvaluatorsDegraded, out.Degraded)
	}
	return nil
}

// call runs one capability behind its breaker with a hard deadline. The
// evaluator runs in its own goroutine so an implementation that ignores ctx
// still cannot hold the pipeline past its deadline.
func (p *Pool) call(ctx context.Context, capability string, deadline time.Duration, fn func(context.Context) error) error {
	br := p.opts.Breakers.Get("evaluator:" + capability)
	if err := br.Allow(); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn(cctx) }()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s exceeded %v", types.ErrEvaluatorTimeout, capability, deadline)
		}
		br.Record(err)
		return err
	case <-cctx.Done():
		err := cctx.Err()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s exceeded %v", types.ErrEvaluatorTimeout, capability, deadline)
		}
		br.Record(err)
		return err
	}
}
