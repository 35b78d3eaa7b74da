// Package pipeline drives proposed mutations through validation, evaluation,
// and commit. Workers pull batches from context_mutations, serialize per
// target domain, rebase on store conflicts, and emit outcome events,
// coherence alerts, and fragment updates.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"coherencebus/internal/bus"
	"coherencebus/internal/evaluator"
	"coherencebus/internal/knowledge"
	"coherencebus/internal/logging"
	"coherencebus/internal/projector"
	"coherencebus/internal/types"
	"coherencebus/internal/validate"
)

// Options wire the pipeline to its collaborators.
type Options struct {
	Bus       *bus.Client
	Store     *knowledge.Store
	Validator *validate.Validator
	Pool      *evaluator.Pool
	Projector *projector.Projector
	Ledger    *Ledger

	// MaxRetries bounds rebase attempts on commit conflicts. Default 3.
	MaxRetries int
	// MaxAttempts bounds total tries per mutation on transient errors, the
	// first try included. Default 5.
	MaxAttempts int
	// BackoffBase and BackoffCap shape the retry schedule. Defaults 100ms/5s.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Workers consuming context_mutations. Default GOMAXPROCS.
	Workers int
	// Source stamps emitted envelopes. Default "coherence_core".
	Source string
	// Group is the consumer group name. Default "pipeline".
	Group string
}

// Pipeline is the mutation processing engine. Safe for concurrent use.
type Pipeline struct {
	opts    Options
	backoff *Backoff

	// Per-target locks serialize mutations on the same domain.
	targetMu sync.Mutex
	targets  map[types.DomainID]*sync.Mutex

	// processed records mutation ids already driven to a terminal or
	// suspended state, for at-least-once redeliveries.
	processedMu sync.Mutex
	processed   map[string]time.Time

	// recentDiffs maps commit versions to their diffs so a rebase can tell
	// whether the conflicting commits touched the proposal's read set.
	diffMu      sync.Mutex
	recentDiffs map[uint64]knowledge.Diff
}

// New builds a pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Bus == nil || opts.Store == nil || opts.Validator == nil || opts.Pool == nil || opts.Projector == nil {
		return nil, fmt.Errorf("pipeline requires bus, store, validator, pool, and projector")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("pipeline requires a deliberation ledger")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Source == "" {
		opts.Source = "coherence_core"
	}
	if opts.Group == "" {
		opts.Group = "pipeline"
	}
	return &Pipeline{
		opts:        opts,
		backoff:     NewBackoff(opts.BackoffBase, opts.BackoffCap, 0.2),
		targets:     make(map[types.DomainID]*sync.Mutex),
		processed:   make(map[string]time.Time),
		recentDiffs: make(map[uint64]knowledge.Diff),
	}, nil
}

// Submit enqueues a mutation and returns its channel offset. The ack is
// immediate; the outcome arrives asynchronously on semantic_validation.
// Idempotent on mutation_id: resubmitting returns the original offset.
func (p *Pipeline) Submit(ctx context.Context, m *types.Mutation) (bus.Offset, error) {
	if m.MutationID == "" {
		m.MutationID = types.NewMutationID()
	}
	if err := m.Validate(); err != nil {
		return "", fmt.Errorf("invalid mutation: %w", err)
	}
	m.Status = types.StatusPending

	env, err := types.NewEnvelope(types.ChannelMutations, types.MsgMutationProposed, m, p.opts.Source)
	if err != nil {
		return "", err
	}
	// Keyed by mutation id so a duplicate submit cannot enqueue twice.
	env.MessageID = "sub-" + m.MutationID
	env.CorrelationID = m.MutationID
	return p.opts.Bus.Publish(ctx, env)
}

// Run starts the worker pool and the deliberation consumer, blocking until
// ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		consumer := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return p.opts.Bus.Subscribe(gctx, types.ChannelMutations, p.opts.Group, consumer, p.handleProposal)
		})
	}
	g.Go(func() error {
		return p.opts.Bus.Subscribe(gctx, types.ChannelValidation, p.opts.Group+"_deliberation", "decider", p.handleDecision)
	})
	logging.Pipeline("pipeline running with %d workers", p.opts.Workers)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleProposal consumes one context_mutations message.
func (p *Pipeline) handleProposal(ctx context.Context, env *types.Envelope) error {
	if env.MessageType != types.MsgMutationProposed {
		return nil
	}
	var m types.Mutation
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		// Undecodable proposals cannot ever succeed; reject via event rather
		// than bouncing through redelivery.
		logging.Get(logging.CategoryPipeline).Error("undecodable proposal %s: %v", env.MessageID, err)
		return nil
	}
	if err := p.Process(ctx, &m); err != nil {
		return err
	}
	if offset, ok := bus.DeliveryOffset(ctx); ok {
		p.opts.Store.SetOffset(types.ChannelMutations, offset)
	}
	return nil
}

// Process drives one mutation to a terminal or suspended state. Terminal
// rejects are absorbed here (the producer learns via semantic_validation);
// only exhausted transient errors propagate, so the bus layer can redeliver
// and eventually dead-letter.
func (p *Pipeline) Process(ctx context.Context, m *types.Mutation) error {
	timer := logging.StartTimer(logging.CategoryPipeline, "Process "+m.MutationID)
	defer timer.Stop()

	if p.alreadyProcessed(m.MutationID) {
		logging.PipelineDebug("skipping already-processed %s", m.MutationID)
		return nil
	}

	unlock := p.lockTarget(m.TargetDomain())
	defer unlock()
	if p.alreadyProcessed(m.MutationID) {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < p.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.backoff.Delay(attempt)
			logging.PipelineDebug("%s: transient %v, try %d/%d in %v",
				m.MutationID, lastErr, attempt+1, p.opts.MaxAttempts, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := p.attempt(ctx, m)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if types.IsTerminalReject(err) || isValidationReject(err) {
			p.reject(ctx, m, err)
			return nil
		}
		var viol *types.InvariantViolation
		if errors.As(err, &viol) {
			// Commit-time invariant failure aborts cleanly; the proposal is
			// unsound and must not retry.
			p.emitAlert(ctx, types.AlertInvariantViolation, m.MutationID, viol.Error(), 1)
			p.reject(ctx, m, err)
			return nil
		}
		if !types.IsTransient(err) {
			p.reject(ctx, m, err)
			return nil
		}
		lastErr = err
	}

	p.emitAlert(ctx, types.AlertDeadLetter, m.MutationID,
		fmt.Sprintf("retries exhausted: %v", lastErr), 0)
	return lastErr
}

// attempt runs one full pass: validate, evaluate, commit (with rebase).
func (p *Pipeline) attempt(ctx context.Context, m *types.Mutation) error {
	m.Status = types.StatusValidating
	_, tree := p.opts.Store.Current()
	if verr := p.opts.Validator.Check(tree, m); verr != nil {
		return verr
	}

	out, err := p.opts.Pool.Evaluate(ctx, tree, m)
	if err != nil {
		return err
	}
	if out.Suspend {
		return p.suspend(ctx, m, out)
	}
	if out.Revised {
		// The revised form re-enters validation exactly once.
		if verr := p.opts.Validator.Check(tree, m); verr != nil {
			return verr
		}
	}
	m.Status = types.StatusApproved
	return p.commitWithRebase(ctx, m, out)
}

// commitWithRebase issues the commit, rebasing on conflicts up to MaxRetries.
// Evaluators re-run only when the conflicting commits touched the proposal's
// read set; otherwise the rebase is a fast re-validate and re-commit.
func (p *Pipeline) commitWithRebase(ctx context.Context, m *types.Mutation, out *evaluator.Outcome) error {
	rebases := 0
	for {
		tok := p.opts.Store.Propose(m)
		res, err := p.opts.Store.Commit(tok)
		if err == nil {
			return p.applied(ctx, m, res, out)
		}
		if !errors.Is(err, types.ErrConflict) {
			return err
		}
		if rebases >= p.opts.MaxRetries {
			return fmt.Errorf("%w: %s lost %d rebases on %s", types.ErrContention, m.MutationID, rebases, m.Target)
		}
		rebases++
		logging.PipelineDebug("%s: conflict at base %d, rebase %d/%d", m.MutationID, tok.BaseVersion, rebases, p.opts.MaxRetries)

		_, tree := p.opts.Store.Current()
		if verr := p.opts.Validator.Check(tree, m); verr != nil {
			return verr
		}
		if p.conflictTouchesReadSet(tok) {
			reOut, err := p.opts.Pool.Evaluate(ctx, tree, m)
			if err != nil {
				return err
			}
			if reOut.Suspend {
				return p.suspend(ctx, m, reOut)
			}
			if reOut.Revised {
				if verr := p.opts.Validator.Check(tree, m); verr != nil {
					return verr
				}
			}
			out = reOut
		}
	}
}

// conflictTouchesReadSet reports whether any commit past the token's base
// intersected the proposal's read set. Unknown commits (outside the diff
// window) count as touching, which errs toward re-evaluation.
func (p *Pipeline) conflictTouchesReadSet(tok *knowledge.Token) bool {
	current, _ := p.opts.Store.Current()
	p.diffMu.Lock()
	defer p.diffMu.Unlock()
	for v := tok.BaseVersion + 1; v <= current; v++ {
		diff, ok := p.recentDiffs[v]
		if !ok || diff.Touches(tok.ReadSet) {
			return true
		}
	}
	return false
}

// applied finishes a committed mutation: fragments, outcome event, and the
// scheduled invariant audit when this commit triggered a snapshot.
func (p *Pipeline) applied(ctx context.Context, m *types.Mutation, res *knowledge.CommitResult, out *evaluator.Outcome) error {
	p.rememberDiff(res.Version, res.Diff)
	m.Status = types.StatusApplied
	p.markProcessed(m.MutationID)
	logging.Pipeline("%s applied as commit %d", m.MutationID, res.Version)

	p.publishFragments(ctx, res, m)
	p.emitOutcome(ctx, m, outcomeDetail{status: types.StatusApplied, version: res.Version, out: out})

	if res.SnapshotTaken {
		if viol, rolledTo := p.opts.Store.Audit(); viol != nil {
			m.Status = types.StatusRolledBack
			p.emitAlert(ctx, types.AlertInvariantViolation,
				m.MutationID, fmt.Sprintf("%v; rolled back to commit %d", viol, rolledTo), 1)
			p.emitOutcome(ctx, m, outcomeDetail{status: types.StatusRolledBack, reason: viol.Which, version: rolledTo})
		}
	}
	return nil
}

// suspend parks a mutation pending operator deliberation.
func (p *Pipeline) suspend(ctx context.Context, m *types.Mutation, out *evaluator.Outcome) error {
	reason := fmt.Sprintf("contradiction @ %.2f on %s", out.Contradiction.Confidence, m.Target)
	if err := p.opts.Ledger.Suspend(m, reason); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	m.Status = types.StatusSuspended
	p.markProcessed(m.MutationID)
	logging.Pipeline("%s suspended: %s", m.MutationID, reason)

	p.emitAlert(ctx, types.AlertContradictionPending, m.MutationID, reason, 0)
	p.emitOutcome(ctx, m, outcomeDetail{status: types.StatusSuspended, reason: reason, out: out})
	return nil
}

// handleDecision consumes semantic_validation, acting only on
// deliberation_decision messages.
func (p *Pipeline) handleDecision(ctx context.Context, env *types.Envelope) error {
	if env.MessageType != types.MsgDeliberationDecision {
		return nil
	}
	var dec types.DeliberationDecision
	if err := json.Unmarshal(env.Payload, &dec); err != nil {
		logging.Get(logging.CategoryPipeline).Error("undecodable decision %s: %v", env.MessageID, err)
		return nil
	}
	sus, err := p.opts.Ledger.Take(dec.MutationID)
	if err != nil {
		return err
	}
	if sus == nil {
		logging.PipelineDebug("decision for unknown or already-resolved %s ignored", dec.MutationID)
		return nil
	}
	m := sus.Mutation

	unlock := p.lockTarget(m.TargetDomain())
	defer unlock()

	switch dec.Decision {
	case types.DecisionApprove:
		logging.Pipeline("%s approved by %s, committing", m.MutationID, dec.Operator)
		_, tree := p.opts.Store.Current()
		if verr := p.opts.Validator.Check(tree, m); verr != nil {
			p.reject(ctx, m, verr)
			return nil
		}
		m.Status = types.StatusApproved
		p.clearProcessed(m.MutationID)
		if err := p.commitWithRebase(ctx, m, nil); err != nil {
			if types.IsTransient(err) {
				// Put it back so the redelivered decision finds it.
				if serr := p.opts.Ledger.Suspend(m, sus.Reason); serr != nil {
					logging.Get(logging.CategoryPipeline).Error("re-suspend %s: %v", m.MutationID, serr)
				}
				return err
			}
			p.reject(ctx, m, err)
		}
	case types.DecisionDiscard:
		logging.Pipeline("%s discarded by %s", m.MutationID, dec.Operator)
		m.Status = types.StatusRejected
		p.markProcessed(m.MutationID)
		p.emitOutcome(ctx, m, outcomeDetail{status: types.StatusRejected, reason: "DiscardedByOperator"})
	default:
		logging.Get(logging.CategoryPipeline).Warn("unknown decision %q for %s", dec.Decision, dec.MutationID)
	}
	return nil
}

// Suspended lists mutations parked for deliberation.
func (p *Pipeline) Suspended() ([]Suspended, error) {
	return p.opts.Ledger.List()
}

// reject finalizes a terminal reject: status, event, bookkeeping.
func (p *Pipeline) reject(ctx context.Context, m *types.Mutation, cause error) {
	m.Status = types.StatusRejected
	p.markProcessed(m.MutationID)
	reason := rejectReason(cause)
	logging.Pipeline("%s rejected: %s (%v)", m.MutationID, reason, cause)
	p.emitOutcome(ctx, m, outcomeDetail{status: types.StatusRejected, reason: reason})
}

func isValidationReject(err error) bool {
	var ve *types.ValidationError
	return errors.As(err, &ve)
}

func rejectReason(err error) string {
	var viol *types.InvariantViolation
	if errors.As(err, &viol) {
		return "InvariantViolation:" + viol.Which
	}
	return types.RejectReason(err)
}

type outcomeDetail struct {
	status  types.MutationStatus
	reason  string
	version uint64
	out     *evaluator.Outcome
}

// emitOutcome publishes a mutation_outcome event. Event message ids are
// derived from (mutation, status) so redeliveries cannot double-publish.
func (p *Pipeline) emitOutcome(ctx context.Context, m *types.Mutation, d outcomeDetail) {
	ev := types.OutcomeEvent{
		MutationID:    m.MutationID,
		Target:        m.Target,
		Status:        d.status,
		Reason:        d.reason,
		CommitVersion: d.version,
	}
	if d.out != nil {
		ev.Revised = d.out.Revised
		ev.Degraded = d.out.Degraded
	}
	env, err := types.NewEnvelope(types.ChannelValidation, types.MsgMutationOutcome, ev, p.opts.Source)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Error("encode outcome for %s: %v", m.MutationID, err)
		return
	}
	env.MessageID = fmt.Sprintf("out-%s-%s", m.MutationID, d.status)
	env.CorrelationID = m.MutationID
	p.publishWithRetry(ctx, env)
}

// emitAlert publishes a coherence_alerts event. Priority 1 alerts bypass
// backpressure pacing.
func (p *Pipeline) emitAlert(ctx context.Context, kind, mutationID, detail string, priority int) {
	env, err := types.NewEnvelope(types.ChannelAlerts, types.MsgCoherenceAlert, types.AlertEvent{
		Kind:       kind,
		MutationID: mutationID,
		Detail:     detail,
	}, p.opts.Source)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Error("encode alert for %s: %v", mutationID, err)
		return
	}
	env.MessageID = fmt.Sprintf("alert-%s-%s", kind, mutationID)
	env.CorrelationID = mutationID
	env.Priority = priority
	p.publishWithRetry(ctx, env)
}

// publishFragments projects and emits fragment updates for one commit.
func (p *Pipeline) publishFragments(ctx context.Context, res *knowledge.CommitResult, m *types.Mutation) {
	frags, err := p.opts.Projector.Project(res, m)
	if err != nil {
		logging.Get(logging.CategoryProjector).Error("projection for commit %d: %v", res.Version, err)
		return
	}
	for _, frag := range frags {
		env, err := types.NewEnvelope(types.ChannelFragments, types.MsgFragmentUpdate, frag, p.opts.Source)
		if err != nil {
			logging.Get(logging.CategoryProjector).Error("encode fragment %s: %v", frag.FragmentID, err)
			continue
		}
		env.MessageID = fmt.Sprintf("frag-%s-%d", frag.AgentKind, frag.ParentCommitVersion)
		env.CorrelationID = m.MutationID
		p.publishWithRetry(ctx, env)
	}
}

// publishWithRetry absorbs transient publish failures. The commit has already
// happened by the time events flow, so giving up is logged, never propagated.
func (p *Pipeline) publishWithRetry(ctx context.Context, env *types.Envelope) {
	var lastErr error
	for attempt := 0; attempt < p.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.backoff.Delay(attempt)):
			case <-ctx.Done():
				return
			}
		}
		if _, lastErr = p.opts.Bus.Publish(ctx, env); lastErr == nil {
			return
		}
		if !types.IsTransient(lastErr) {
			break
		}
	}
	logging.Get(logging.CategoryPipeline).Error("publish %s on %s failed: %v", env.MessageID, env.Channel, lastErr)
}

func (p *Pipeline) lockTarget(id types.DomainID) func() {
	p.targetMu.Lock()
	mu, ok := p.targets[id]
	if !ok {
		mu = &sync.Mutex{}
		p.targets[id] = mu
	}
	p.targetMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (p *Pipeline) alreadyProcessed(mutationID string) bool {
	p.processedMu.Lock()
	defer p.processedMu.Unlock()
	_, ok := p.processed[mutationID]
	return ok
}

func (p *Pipeline) markProcessed(mutationID string) {
	p.processedMu.Lock()
	defer p.processedMu.Unlock()
	p.processed[mutationID] = time.Now()
	if len(p.processed) > 10_000 {
		cutoff := time.Now().Add(-time.Hour)
		for id, at := range p.processed {
			if at.Before(cutoff) {
				delete(p.processed, id)
			}
		}
	}
}

func (p *Pipeline) clearProcessed(mutationID string) {
	p.processedMu.Lock()
	defer p.processedMu.Unlock()
	delete(p.processed, mutationID)
}

func (p *Pipeline) rememberDiff(version uint64, diff knowledge.Diff) {
	p.diffMu.Lock()
	defer p.diffMu.Unlock()
	p.recentDiffs[version] = diff
	for v := range p.recentDiffs {
		if v+64 <= version {
			delete(p.recentDiffs, v)
		}
	}
}
