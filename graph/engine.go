package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/postgraph/graph/emit"
	"github.com/dshills/postgraph/graph/store"
	"github.com/dshills/postgraph/logging"
)

// saveTimeout bounds one checkpoint write. Saves run detached from the
// caller's cancellation so an expired call still records where it stopped.
const saveTimeout = 30 * time.Second

// Engine drives executions through the article-to-post state machine.
//
// The Engine:
//   - Creates executions and runs them to their first interrupt
//   - Resumes interrupted executions with a human ActionBundle
//   - Persists a checkpoint after every node and at every interrupt
//   - Serializes calls per execution ID
//   - Emits observability events and records metrics
//
// Engine is safe for concurrent use. Calls for distinct executions run in
// parallel; calls for the same execution wait for each other.
//
// Nodes run detached from the caller's cancellation and are bounded by the
// call timeout instead: a client that goes away mid-call does not abandon a
// half-finished step.
//
// When a checkpoint write fails mid-call the error matches
// ErrStoreUnavailable and the execution stays in its last durable
// checkpoint. Retrying the same Create or Resume persists the state the
// failed call had reached and continues from there, so finished publishes
// are never repeated.
//
// Example:
//
//	st := store.NewMemStore[graph.State]()
//	engine, err := graph.New(st, graph.Collaborators{
//	    Scraper:     scrape.NewHTMLScraper(nil),
//	    Generator:   generate.NewTemplateGenerator(),
//	    Credentials: registry,
//	    Connections: registry,
//	    Delegate:    client,
//	})
//
//	snap, err := engine.Create(ctx, "alice", "https://example.com/post")
//	// snap.Status == graph.StatusAwaitingHuman
//
//	snap, err = engine.Resume(ctx, snap.ExecutionID, graph.ActionBundle{ApproveContent: true})
//	// snap.Status == graph.StatusCompleted
type Engine struct {
	store  store.Store[State]
	collab Collaborators
	cfg    engineConfig
	locks  *keyedMutex
	stalls *stallSet
}

// New creates an Engine over st with the given collaborators.
func New(st store.Store[State], collab Collaborators, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	if err := collab.validate(); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, &EngineError{Message: err.Error(), Code: "INVALID_OPTION"}
		}
	}

	return &Engine{
		store:  st,
		collab: collab,
		cfg:    cfg,
		locks:  newKeyedMutex(),
		stalls: newStallSet(),
	}, nil
}

// run carries the bookkeeping of one Create or Resume call.
type run struct {
	exec Execution
	seq  int
	log  logging.Logger
}

// Create starts a new execution for url and drives it to its first interrupt
// (awaiting_human) or terminal status.
//
// When ownerID already has an active execution for the same normalized URL,
// that execution is returned unchanged.
func (e *Engine) Create(ctx context.Context, ownerID, articleURL string) (Execution, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Execution{}, fmt.Errorf("%w: owner ID is required", ErrInvalidInput)
	}

	key := IdempotencyKey(ownerID, articleURL)
	unlock, err := e.locks.Lock(ctx, "create:"+key)
	if err != nil {
		return Execution{}, err
	}
	defer unlock()

	existing, ok, err := e.findActive(ctx, ownerID, key)
	if err != nil {
		return Execution{}, err
	}
	if ok {
		e.cfg.logger.Debug("create matched active execution", "execution_id", existing.ExecutionID)
		if existing.Status == StatusRunning {
			return e.retryStalled(ctx, existing.ExecutionID)
		}
		return existing, nil
	}

	id := e.cfg.newID()
	unlockID, err := e.locks.Lock(ctx, id)
	if err != nil {
		return Execution{}, err
	}
	defer unlockID()

	r := &run{
		exec: Execution{ExecutionID: id, OwnerID: ownerID},
		log:  e.cfg.logger.With("execution_id", id),
	}
	state := State{
		URL:            strings.TrimSpace(articleURL),
		IdempotencyKey: key,
		Step:           StepIngested,
	}
	if err := e.checkpoint(ctx, r, state); err != nil {
		return Execution{}, err
	}
	e.emit(r, "", emit.MsgExecutionCreated, map[string]interface{}{"url": state.URL})
	r.log.Info("execution created", "url", state.URL)

	return e.drive(ctx, r)
}

// Resume applies a human decision to an interrupted execution and drives it
// to the next interrupt or terminal status.
//
// Returns ErrNotFound when the execution does not exist or has already
// completed or terminated, ErrNotAwaiting while it is running, and an error
// matching ErrStoreUnavailable when a checkpoint cannot be read or written.
func (e *Engine) Resume(ctx context.Context, executionID string, bundle ActionBundle) (Execution, error) {
	unlock, err := e.locks.Lock(ctx, executionID)
	if err != nil {
		return Execution{}, err
	}
	defer unlock()

	exec, err := e.load(ctx, executionID)
	if err != nil {
		return Execution{}, err
	}
	if exec.Status.Terminal() {
		return Execution{}, fmt.Errorf("%w: %s is %s", ErrNotFound, executionID, exec.Status)
	}
	if exec.Status == StatusRunning {
		if pending, ok := e.stalls.get(executionID, exec.Version); ok {
			return e.continueStalled(ctx, exec, pending)
		}
	}
	if !exec.State.Step.Interrupt() {
		return Execution{}, fmt.Errorf("%w: %s is %s", ErrNotAwaiting, executionID, exec.Status)
	}

	r := &run{exec: exec, log: e.cfg.logger.With("execution_id", executionID)}
	res := Resolve(exec.State, bundle)
	state := res.Patch.Apply(exec.State)
	from := state.Step

	e.emit(r, string(from), emit.MsgResumed, map[string]interface{}{
		"rule": res.Rule.String(),
		"next": string(res.Next),
	})
	r.log.Info("execution resumed", "rule", res.Rule.String(), "next", res.Next)

	switch res.Rule {
	case RuleRejectContent:
		state.Step = StepTerminated
		state.TerminateReason = res.TerminateReason
		state.Interrupt = nil
		state.PendingStep = ""
		if err := e.checkpoint(ctx, r, state); err != nil {
			return Execution{}, err
		}
		e.cfg.metrics.RecordTransition(from, StepTerminated)
		e.emit(r, string(from), emit.MsgTerminated, map[string]interface{}{"reason": state.TerminateReason})
		return r.exec, nil

	case RuleNoDecision:
		state.Step = res.Next
		if err := e.checkpoint(ctx, r, state); err != nil {
			return Execution{}, err
		}
		return r.exec, nil
	}

	state.Step = res.Next
	state.PendingStep = ""
	state.Interrupt = nil
	state.TerminateReason = ""
	if err := e.checkpoint(ctx, r, state); err != nil {
		return Execution{}, err
	}
	e.cfg.metrics.RecordTransition(from, state.Step)

	return e.drive(ctx, r)
}

// drive runs nodes from the last checkpoint until the execution reaches an
// interrupt or terminal step. A checkpoint is written after every node.
func (e *Engine) drive(ctx context.Context, r *run) (Execution, error) {
	e.cfg.metrics.executionStarted()
	defer e.cfg.metrics.executionFinished()

	callCtx := context.WithoutCancel(ctx)
	if e.cfg.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, e.cfg.callTimeout)
		defer cancel()
	}

	state := r.exec.State
	for steps := 0; ; steps++ {
		if state.Step.Interrupt() || state.Step.Terminal() {
			return r.exec, nil
		}

		step := state.Step
		var next State
		if steps >= e.cfg.maxSteps {
			next = terminatedState(state, (&EngineError{
				Message: fmt.Sprintf("exceeded %d steps in one call", e.cfg.maxSteps),
				Code:    "MAX_STEPS_EXCEEDED",
			}).Error())
		} else {
			next = e.runNode(callCtx, r, state)
		}

		if !ValidTransition(step, next.Step) {
			r.log.Error("invalid transition", "from", step, "to", next.Step)
			next = terminatedState(state, (&EngineError{
				Message: fmt.Sprintf("invalid transition %s -> %s", step, next.Step),
				Code:    "INVARIANT_VIOLATION",
			}).Error())
		}

		if err := e.checkpoint(ctx, r, next); err != nil {
			e.stalls.put(r.exec.ExecutionID, next, r.exec.Version)
			return Execution{}, err
		}
		e.cfg.metrics.RecordTransition(step, next.Step)
		e.announce(r, step, next)
		state = next
	}
}

// retryStalled locks executionID and continues it when an earlier call in
// this process failed to checkpoint it. Otherwise the latest snapshot is
// returned unchanged.
func (e *Engine) retryStalled(ctx context.Context, executionID string) (Execution, error) {
	unlock, err := e.locks.Lock(ctx, executionID)
	if err != nil {
		return Execution{}, err
	}
	defer unlock()

	exec, err := e.load(ctx, executionID)
	if err != nil {
		return Execution{}, err
	}
	if exec.Status != StatusRunning {
		return exec, nil
	}
	pending, ok := e.stalls.get(executionID, exec.Version)
	if !ok {
		return exec, nil
	}
	return e.continueStalled(ctx, exec, pending)
}

// continueStalled persists the state a failed call had reached and drives on
// from it. The caller holds the execution lock.
func (e *Engine) continueStalled(ctx context.Context, exec Execution, pending State) (Execution, error) {
	r := &run{exec: exec, log: e.cfg.logger.With("execution_id", exec.ExecutionID)}
	from := exec.State.Step
	if err := e.checkpoint(ctx, r, pending); err != nil {
		return Execution{}, err
	}
	e.stalls.drop(exec.ExecutionID)

	e.emit(r, string(from), emit.MsgResumed, map[string]interface{}{
		"rule": "retry",
		"next": string(pending.Step),
	})
	r.log.Info("continuing after failed checkpoint", "step", pending.Step)
	e.cfg.metrics.RecordTransition(from, pending.Step)
	e.announce(r, from, pending)

	return e.drive(ctx, r)
}

// runNode executes the node for state.Step and returns the state to persist.
func (e *Engine) runNode(ctx context.Context, r *run, state State) State {
	step := state.Step
	node, ok := e.node(step, r.exec.OwnerID)
	if !ok {
		return terminatedState(state, (&EngineError{
			Message: "no node for step " + string(step),
			Code:    "NODE_NOT_FOUND",
		}).Error())
	}

	e.emit(r, string(step), emit.MsgNodeStart, nil)
	r.log.Debug("node start", "step", step)
	start := time.Now()

	result, timeoutErr := executeNodeWithTimeout(ctx, node, step, state.Clone(), e.cfg.policies[step], e.cfg.nodeTimeout)
	elapsed := time.Since(start)

	var err error
	status := "success"
	switch {
	case ctx.Err() != nil:
		err = &NodeError{Message: ctx.Err().Error(), Code: "CALL_TIMEOUT", Step: step, Cause: ctx.Err()}
		status = "timeout"
	case timeoutErr != nil:
		err = &NodeError{Message: timeoutErr.Error(), Code: "NODE_TIMEOUT", Step: step, Cause: timeoutErr}
		status = "timeout"
	case result.Err != nil:
		err = &NodeError{Message: result.Err.Error(), Code: "NODE_FAILED", Step: step, Cause: result.Err}
		status = "error"
	}

	meta := map[string]interface{}{"duration_ms": elapsed.Milliseconds()}
	if err != nil {
		meta["error"] = err.Error()
	}
	e.emit(r, string(step), emit.MsgNodeEnd, meta)
	e.cfg.metrics.RecordStepLatency(step, elapsed, status)

	out := result.State
	if out.Step == "" {
		out = state
	}

	if err == nil {
		if result.Route.To == "" {
			return terminatedState(out, (&EngineError{
				Message: "node " + string(step) + " returned no route",
				Code:    "NO_ROUTE",
			}).Error())
		}
		out.Step = result.Route.To
		return out
	}

	var authErr *AuthRequiredError
	if errors.As(err, &authErr) {
		out.PendingStep = step
		out.Step = StepAwaitingAuth
		out.Interrupt = &Interrupt{
			Type:      InterruptReauthRequired,
			Platforms: append([]Platform(nil), authErr.Platforms...),
			Message:   reauthMessage(authErr.Platforms),
		}
		r.log.Info("authentication required", "step", step, "platforms", authErr.Platforms)
		return out
	}

	reason := terminateReason(err)
	r.log.Warn("node failed", "step", step, "error", err, "reason", reason)
	return terminatedState(out, reason)
}

// announce emits the lifecycle event for a persisted transition.
func (e *Engine) announce(r *run, from Step, s State) {
	switch {
	case s.Step == StepCompleted:
		e.emit(r, string(from), emit.MsgCompleted, nil)
		r.log.Info("execution completed")
	case s.Step == StepTerminated:
		e.emit(r, string(from), emit.MsgTerminated, map[string]interface{}{"reason": s.TerminateReason})
		r.log.Warn("execution terminated", "reason", s.TerminateReason)
	case s.Step.Interrupt():
		meta := map[string]interface{}{"status": string(statusFor(s.Step))}
		if s.Interrupt != nil {
			meta["type"] = s.Interrupt.Type
		}
		e.emit(r, string(s.Step), emit.MsgInterrupt, meta)
		r.log.Info("execution interrupted", "step", s.Step)
	}
}

func terminatedState(s State, reason string) State {
	s.Step = StepTerminated
	s.TerminateReason = reason
	s.Interrupt = nil
	s.PendingStep = ""
	return s
}

// terminateReason is the termination reason recorded for a node failure.
func terminateReason(err error) string {
	var collabErr *CollaboratorError
	if errors.As(err, &collabErr) {
		return collabErr.Reason
	}
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		return err.Error()
	}
	switch nodeErr.Code {
	case "CALL_TIMEOUT":
		return ReasonTimedOut
	case "NODE_TIMEOUT":
		return fmt.Sprintf("%s during %s", ReasonTimedOut, nodeErr.Step)
	}
	if nodeErr.Cause != nil {
		return nodeErr.Cause.Error()
	}
	return nodeErr.Message
}

func reauthMessage(platforms []Platform) string {
	names := make([]string, len(platforms))
	for i, p := range platforms {
		names[i] = string(p)
	}
	return "Reconnect " + strings.Join(names, ", ") + " and resubmit to continue publishing."
}

// checkpoint persists state as the next version of r.exec. On failure the
// in-memory snapshot is left untouched.
func (e *Engine) checkpoint(ctx context.Context, r *run, state State) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	now := e.cfg.now()
	rec := store.Record[State]{
		ExecutionID: r.exec.ExecutionID,
		OwnerID:     r.exec.OwnerID,
		Status:      statusFor(state.Step),
		State:       state,
		UpdatedAt:   now,
	}
	if err := e.store.Save(saveCtx, rec); err != nil {
		e.cfg.metrics.IncrementStoreErrors("save")
		e.emit(r, string(state.Step), emit.MsgCheckpointFailed, map[string]interface{}{"error": err.Error()})
		r.log.Error("checkpoint failed", "step", state.Step, "error", err)
		if errors.Is(err, ErrStoreUnavailable) {
			return err
		}
		return &EngineError{Message: "failed to save checkpoint: " + err.Error(), Code: "STORE_ERROR"}
	}

	r.exec.Status = rec.Status
	r.exec.State = state.Clone()
	r.exec.Version++
	r.exec.UpdatedAt = now
	return nil
}

func (e *Engine) emit(r *run, step, msg string, meta map[string]interface{}) {
	r.seq++
	e.cfg.emitter.Emit(emit.Event{
		ExecutionID: r.exec.ExecutionID,
		Seq:         r.seq,
		Step:        step,
		Msg:         msg,
		Meta:        meta,
	})
}

// Get returns the latest snapshot of an execution.
func (e *Engine) Get(ctx context.Context, executionID string) (Execution, error) {
	return e.load(ctx, executionID)
}

// History returns every checkpoint of an execution, oldest first.
func (e *Engine) History(ctx context.Context, executionID string) ([]Execution, error) {
	recs, err := e.store.History(ctx, executionID)
	if err != nil {
		return nil, e.storeError("history", executionID, err)
	}
	out := make([]Execution, len(recs))
	for i, rec := range recs {
		out[i] = executionFromRecord(rec)
	}
	return out, nil
}

func (e *Engine) load(ctx context.Context, executionID string) (Execution, error) {
	rec, err := e.store.Load(ctx, executionID)
	if err != nil {
		return Execution{}, e.storeError("load", executionID, err)
	}
	return executionFromRecord(rec), nil
}

func (e *Engine) storeError(op, executionID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	e.cfg.metrics.IncrementStoreErrors(op)
	return err
}

// findActive returns the active execution of ownerID created with key.
func (e *Engine) findActive(ctx context.Context, ownerID, key string) (Execution, bool, error) {
	recs, err := e.store.List(ctx, store.Filter{OwnerID: ownerID, Statuses: store.ActiveStatuses})
	if err != nil {
		e.cfg.metrics.IncrementStoreErrors("list")
		return Execution{}, false, err
	}
	for _, rec := range recs {
		if rec.State.IdempotencyKey == key {
			return executionFromRecord(rec), true, nil
		}
	}
	return Execution{}, false, nil
}

// RecoverStale terminates running executions that no call in this process is
// driving and that have not been checkpointed for olderThan. It returns the
// number of executions terminated.
//
// A running checkpoint with no live call means the process that drove it
// stopped mid-node or a retry never came after a failed checkpoint. In the
// latter case the unsaved state is the one terminated, so publish results
// the failed call obtained are kept.
func (e *Engine) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	recs, err := e.store.List(ctx, store.Filter{Statuses: []Status{StatusRunning}})
	if err != nil {
		e.cfg.metrics.IncrementStoreErrors("list")
		return 0, err
	}

	cutoff := e.cfg.now().Add(-olderThan)
	recovered := 0
	for _, rec := range recs {
		if rec.UpdatedAt.After(cutoff) || e.locks.Held(rec.ExecutionID) {
			continue
		}
		ok, err := e.recover(ctx, rec.ExecutionID, cutoff)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

func (e *Engine) recover(ctx context.Context, executionID string, cutoff time.Time) (bool, error) {
	unlock, err := e.locks.Lock(ctx, executionID)
	if err != nil {
		return false, err
	}
	defer unlock()

	exec, err := e.load(ctx, executionID)
	if err != nil {
		return false, err
	}
	if exec.Status != StatusRunning || exec.UpdatedAt.After(cutoff) {
		return false, nil
	}

	r := &run{exec: exec, log: e.cfg.logger.With("execution_id", executionID)}
	from := exec.State.Step
	base := exec.State
	if pending, ok := e.stalls.get(executionID, exec.Version); ok {
		base = pending
	}
	if err := e.checkpoint(ctx, r, terminatedState(base, ReasonInterrupted)); err != nil {
		return false, err
	}
	e.stalls.drop(executionID)
	e.cfg.metrics.RecordTransition(from, StepTerminated)
	e.emit(r, string(from), emit.MsgTerminated, map[string]interface{}{"reason": ReasonInterrupted})
	r.log.Warn("stale execution terminated", "step", from)
	return true, nil
}
