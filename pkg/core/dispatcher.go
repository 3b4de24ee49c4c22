package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ActionRequest is one caller-supplied action to dispatch.
type ActionRequest struct {
	// Target is the resource the action applies to.
	Target Target `json:"target"`

	// Operation is the action kind.
	Operation Operation `json:"operation"`

	// Operator is the identity of the caller, already authenticated by
	// the transport layer.
	Operator string `json:"operator"`
}

// ActionResult pairs one request with its outcome, for batch dispatch.
type ActionResult struct {
	Request ActionRequest `json:"request"`
	Update  *Update       `json:"update,omitempty"`
	Err     error         `json:"-"`
}

// DispatchObserver receives dispatcher lifecycle signals for metrics.
// All methods may be called concurrently.
type DispatchObserver interface {
	DispatchStarted(op Operation)
	DispatchFinished(op Operation, success bool, elapsed time.Duration)
	LockRejected(target Target)
}

// Dispatcher is the single entry point for executing actions. Every
// dispatch runs the same pipeline: validate, permission-check, lock,
// open an update, execute against the periphery agent, finalize, unlock.
// No update exists before the lock is held, and the lock is released on
// every exit path.
type Dispatcher struct {
	store    Store
	ledger   *UpdateLedger
	locks    *ActionLock
	agent    Agent
	gate     PermissionGate
	pub      EventPublisher
	logger   zerolog.Logger
	observer DispatchObserver
	tracer   trace.Tracer
	table    map[Operation]opSpec
	now      func() time.Time
}

// opSpec is one row of the dispatch table: the target kind an operation
// applies to, an optional pre-lock validation of the target, and the
// execution body. The table is total over Operations().
type opSpec struct {
	targetType TargetType
	validate   func(d *Dispatcher, res *Resource) error
	exec       func(ctx context.Context, d *Dispatcher, ex *execution) (string, error)
}

// execution carries the per-dispatch state through the pipeline.
type execution struct {
	req    ActionRequest
	res    *Resource
	update *Update
}

// DispatcherOption configures optional dispatcher collaborators.
type DispatcherOption func(*Dispatcher)

// WithObserver installs a metrics observer.
func WithObserver(o DispatchObserver) DispatcherOption {
	return func(d *Dispatcher) { d.observer = o }
}

// NewDispatcher wires a dispatcher over its collaborators. It panics if
// the dispatch table does not cover every known operation, so a new
// Operation constant without a table row fails at construction, not at
// request time.
func NewDispatcher(store Store, ledger *UpdateLedger, locks *ActionLock, agent Agent, gate PermissionGate, pub EventPublisher, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		ledger: ledger,
		locks:  locks,
		agent:  agent,
		gate:   gate,
		pub:    pub,
		logger: logger.With().Str("component", "dispatcher").Logger(),
		tracer: otel.Tracer("stevedore.dispatcher"),
		now:    time.Now,
	}
	d.table = map[Operation]opSpec{
		OpDeploy: {
			targetType: TargetDeployment,
			exec:       execDeploy,
		},
		OpStartContainer: {
			targetType: TargetDeployment,
			validate:   validateNotRunning,
			exec:       execStartContainer,
		},
		OpStopContainer: {
			targetType: TargetDeployment,
			exec:       execStopContainer,
		},
		OpRemoveContainer: {
			targetType: TargetDeployment,
			exec:       execRemoveContainer,
		},
		OpPruneContainers: {
			targetType: TargetServer,
			exec:       execPruneContainers,
		},
		OpBuild: {
			targetType: TargetBuild,
			exec:       execBuild,
		},
		OpRunProcedure: {
			targetType: TargetProcedure,
			exec:       execRunProcedure,
		},
	}
	for _, op := range Operations() {
		if _, ok := d.table[op]; !ok {
			panic(fmt.Sprintf("dispatch table missing operation %s", op))
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes one action synchronously. The returned update is nil
// when the request was rejected before an update existed (validation,
// permission, busy, or failure to persist the new record); in every
// other case the update is returned completed, and err mirrors the
// execution failure recorded in it.
func (d *Dispatcher) Dispatch(ctx context.Context, req ActionRequest) (*Update, error) {
	ctx, span := d.startSpan(ctx, req)
	defer span.End()

	ex, release, err := d.prepare(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer release()
	span.SetAttributes(attribute.String("update.id", ex.update.ID))

	u, err := d.run(ctx, ex)
	if err != nil {
		recordSpanError(span, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return u, err
}

// DispatchAsync validates, locks and opens the update synchronously, then
// executes in a background goroutine. The returned update is the queued
// record; rejections surface exactly as in Dispatch. The goroutine uses a
// detached context so cancellation of the request context after return
// does not abort the running action.
func (d *Dispatcher) DispatchAsync(ctx context.Context, req ActionRequest) (*Update, error) {
	ctx, span := d.startSpan(ctx, req)
	span.SetAttributes(attribute.Bool("async", true))

	ex, release, err := d.prepare(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		span.End()
		return nil, err
	}
	span.SetAttributes(attribute.String("update.id", ex.update.ID))

	queued := *ex.update
	go func() {
		defer span.End()
		defer release()
		if _, err := d.run(context.WithoutCancel(ctx), ex); err != nil {
			recordSpanError(span, err)
			d.logger.Debug().Err(err).Str("update_id", ex.update.ID).Msg("Async dispatch finished with failure")
		}
	}()
	return &queued, nil
}

// DispatchMany dispatches a batch, one action per request, concurrently.
// Results are returned in request order. Requests naming the same target
// contend on its lock like any other callers: one wins, the rest are
// rejected busy.
func (d *Dispatcher) DispatchMany(ctx context.Context, reqs []ActionRequest) []ActionResult {
	results := make([]ActionResult, len(reqs))
	done := make(chan int, len(reqs))
	for i, req := range reqs {
		go func(i int, req ActionRequest) {
			u, err := d.Dispatch(ctx, req)
			results[i] = ActionResult{Request: req, Update: u, Err: err}
			done <- i
		}(i, req)
	}
	for range reqs {
		<-done
	}
	return results
}

// startSpan opens the dispatch span carrying the request identity.
func (d *Dispatcher) startSpan(ctx context.Context, req ActionRequest) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, "dispatch."+string(req.Operation), trace.WithAttributes(
		attribute.String("target.type", string(req.Target.Type)),
		attribute.String("target.id", req.Target.ID),
		attribute.String("operator", req.Operator),
	))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.class", string(ClassOf(err))))
}

// prepare runs the pre-execution pipeline: request validation, resource
// fetch, permission check, lock acquisition and update creation. On
// success the caller owns the returned release func and must invoke it
// exactly once after run.
func (d *Dispatcher) prepare(ctx context.Context, req ActionRequest) (*execution, func(), error) {
	if err := req.Target.Validate(); err != nil {
		return nil, nil, NewValidationError("invalid target").WithOperation(req.Operation).WithCause(err)
	}
	if err := req.Operation.Validate(); err != nil {
		return nil, nil, NewValidationError("invalid operation").WithTarget(req.Target).WithCause(err)
	}
	if req.Operator == "" {
		return nil, nil, NewValidationError("operator is required").
			WithTarget(req.Target).WithOperation(req.Operation)
	}

	spec := d.table[req.Operation]
	if req.Target.Type != spec.targetType {
		return nil, nil, NewValidationError("operation %s applies to %s targets, not %s",
			req.Operation, spec.targetType, req.Target.Type).
			WithTarget(req.Target).WithOperation(req.Operation)
	}

	res, err := d.store.GetResource(ctx, req.Target.Type, req.Target.ID)
	if err != nil {
		return nil, nil, NewValidationError("target not found").
			WithTarget(req.Target).WithOperation(req.Operation).WithCause(err)
	}

	if spec.validate != nil {
		if err := spec.validate(d, res); err != nil {
			return nil, nil, err
		}
	}

	if err := d.gate.Check(ctx, req.Operator, req.Operation, req.Target); err != nil {
		d.logger.Warn().
			Str("operator", req.Operator).
			Str("operation", string(req.Operation)).
			Str("target", req.Target.String()).
			Msg("Permission denied")
		return nil, nil, err
	}

	token, err := d.locks.Acquire(req.Target, req.Operation)
	if err != nil {
		if d.observer != nil {
			d.observer.LockRejected(req.Target)
		}
		return nil, nil, err
	}
	trace.SpanFromContext(ctx).AddEvent("lock acquired")
	release := func() {
		if err := d.locks.Release(req.Target, token); err != nil {
			d.logger.Error().Err(err).Str("target", req.Target.String()).Msg("Lock release failed")
		}
	}

	update, err := d.ledger.Open(ctx, req.Target, req.Operation, req.Operator)
	if err != nil {
		release()
		return nil, nil, err
	}
	trace.SpanFromContext(ctx).AddEvent("update opened")

	return &execution{req: req, res: res, update: update}, release, nil
}

// run executes and finalizes a prepared action. It always completes the
// update, recording the execution error as the failure message.
func (d *Dispatcher) run(ctx context.Context, ex *execution) (*Update, error) {
	start := d.now()
	if d.observer != nil {
		d.observer.DispatchStarted(ex.req.Operation)
	}

	if err := d.ledger.Begin(ctx, ex.update); err != nil {
		finishErr := d.ledger.Finish(ctx, ex.update, false, err.Error())
		if finishErr != nil {
			d.logger.Error().Err(finishErr).Str("update_id", ex.update.ID).Msg("Failed to finalize update")
		}
		d.observeFinish(ex.req.Operation, false, start)
		return ex.update, err
	}

	trace.SpanFromContext(ctx).AddEvent("executing")
	message, execErr := d.table[ex.req.Operation].exec(ctx, d, ex)
	success := execErr == nil
	if !success {
		message = execErr.Error()
	}

	if err := d.ledger.Finish(ctx, ex.update, success, message); err != nil {
		d.logger.Error().Err(err).Str("update_id", ex.update.ID).Msg("Failed to finalize update")
		if execErr == nil {
			execErr = err
		}
	}

	d.observeFinish(ex.req.Operation, success, start)
	return ex.update, execErr
}

func (d *Dispatcher) observeFinish(op Operation, success bool, start time.Time) {
	if d.observer != nil {
		d.observer.DispatchFinished(op, success, d.now().Sub(start))
	}
}

// agentFor resolves the server a deployment or build executes on and
// checks it accepts actions.
func (d *Dispatcher) agentFor(ctx context.Context, serverID string) (*ServerConfig, error) {
	res, err := d.store.GetResource(ctx, TargetServer, serverID)
	if err != nil {
		return nil, NewValidationError("server %s not found", serverID).WithCause(err)
	}
	var cfg ServerConfig
	if err := json.Unmarshal(res.Config, &cfg); err != nil {
		return nil, NewInternalError("decode server %s config", serverID).WithCause(err)
	}
	if !cfg.Enabled {
		return nil, NewValidationError("server %s is disabled", serverID)
	}
	return &cfg, nil
}

// applyInfo persists a resource's new cached info and publishes
// ResourceChanged. Failures are logged, not fatal: the action itself
// already succeeded and its update must say so.
func (d *Dispatcher) applyInfo(ctx context.Context, target Target, info interface{}) {
	body, err := json.Marshal(info)
	if err != nil {
		d.logger.Error().Err(err).Str("target", target.String()).Msg("Failed to marshal resource info")
		return
	}
	if err := d.store.UpdateResourceInfo(ctx, target.Type, target.ID, body); err != nil {
		d.logger.Error().Err(err).Str("target", target.String()).Msg("Failed to persist resource info")
		return
	}
	if d.pub != nil {
		d.pub.Publish(Event{
			Type:      EventResourceChanged,
			Target:    target,
			Payload:   body,
			Timestamp: d.now(),
		})
	}
}

// sink returns a LogSink appending agent output to the execution's update.
func (d *Dispatcher) sink(ctx context.Context, ex *execution) LogSink {
	return func(stream LogStream, chunk string) {
		if err := d.ledger.AppendLog(ctx, ex.update, stream, chunk); err != nil {
			d.logger.Warn().Err(err).Str("update_id", ex.update.ID).Msg("Failed to append update log")
		}
	}
}

func decodeDeployment(res *Resource) (*DeploymentConfig, *DeploymentInfo, error) {
	var cfg DeploymentConfig
	if err := json.Unmarshal(res.Config, &cfg); err != nil {
		return nil, nil, NewInternalError("decode deployment %s config", res.ID).WithCause(err)
	}
	info := &DeploymentInfo{State: ContainerNotDeployed}
	if len(res.Info) > 0 {
		if err := json.Unmarshal(res.Info, info); err != nil {
			return nil, nil, NewInternalError("decode deployment %s info", res.ID).WithCause(err)
		}
	}
	return &cfg, info, nil
}

// validateNotRunning rejects starting a container that is already
// running, before any lock is taken or update created.
func validateNotRunning(_ *Dispatcher, res *Resource) error {
	_, info, err := decodeDeployment(res)
	if err != nil {
		return err
	}
	if info.State == ContainerRunning {
		return NewValidationError("container is already running").
			WithTarget(res.Target()).WithOperation(OpStartContainer)
	}
	return nil
}

func execDeploy(ctx context.Context, d *Dispatcher, ex *execution) (string, error) {
	cfg, _, err := decodeDeployment(ex.res)
	if err != nil {
		return "", err
	}
	server, err := d.agentFor(ctx, cfg.ServerID)
	if err != nil {
		return "", err
	}

	result, err := d.agent.Execute(ctx, server, AgentCall{
		Operation:  OpDeploy,
		Deployment: cfg,
	}, d.sink(ctx, ex))
	if err != nil {
		return "", err
	}

	d.applyInfo(ctx, ex.req.Target, DeploymentInfo{
		State:       ContainerRunning,
		ContainerID: result.ContainerID,
		Image:       cfg.Image,
		UpdatedAt:   d.now(),
	})
	return fmt.Sprintf("deployed %s", cfg.Image), nil
}

func execStartContainer(ctx context.Context, d *Dispatcher, ex *execution) (string, error) {
	cfg, info, err := decodeDeployment(ex.res)
	if err != nil {
		return "", err
	}
	if info.State == ContainerNotDeployed {
		return "", NewValidationError("container has never been deployed").
			WithTarget(ex.req.Target).WithOperation(OpStartContainer)
	}
	server, err := d.agentFor(ctx, cfg.ServerID)
	if err != nil {
		return "", err
	}

	result, err := d.agent.Execute(ctx, server, AgentCall{
		Operation:  OpStartContainer,
		Deployment: cfg,
	}, d.sink(ctx, ex))
	if err != nil {
		return "", err
	}

	containerID := result.ContainerID
	if containerID == "" {
		containerID = info.ContainerID
	}
	d.applyInfo(ctx, ex.req.Target, DeploymentInfo{
		State:       ContainerRunning,
		ContainerID: containerID,
		Image:       info.Image,
		UpdatedAt:   d.now(),
	})
	return "container started", nil
}

func execStopContainer(ctx context.Context, d *Dispatcher, ex *execution) (string, error) {
	cfg, info, err := decodeDeployment(ex.res)
	if err != nil {
		return "", err
	}
	// Stopping something already gone or stopped is a success: the
	// desired state holds.
	if info.State == ContainerNotDeployed || info.State == ContainerExited {
		return "container already stopped", nil
	}
	server, err := d.agentFor(ctx, cfg.ServerID)
	if err != nil {
		return "", err
	}

	if _, err := d.agent.Execute(ctx, server, AgentCall{
		Operation:  OpStopContainer,
		Deployment: cfg,
	}, d.sink(ctx, ex)); err != nil {
		return "", err
	}

	d.applyInfo(ctx, ex.req.Target, DeploymentInfo{
		State:       ContainerExited,
		ContainerID: info.ContainerID,
		Image:       info.Image,
		UpdatedAt:   d.now(),
	})
	return "container stopped", nil
}

func execRemoveContainer(ctx context.Context, d *Dispatcher, ex *execution) (string, error) {
	cfg, info, err := decodeDeployment(ex.res)
	if err != nil {
		return "", err
	}
	if info.State == ContainerNotDeployed {
		return "container already absent", nil
	}
	server, err := d.agentFor(ctx, cfg.ServerID)
	if err != nil {
		return "", err
	}

	if _, err := d.agent.Execute(ctx, server, AgentCall{
		Operation:  OpRemoveContainer,
		Deployment: cfg,
	}, d.sink(ctx, ex)); err != nil {
		return "", err
	}

	d.applyInfo(ctx, ex.req.Target, DeploymentInfo{
		State:     ContainerNotDeployed,
		UpdatedAt: d.now(),
	})
	return "container removed", nil
}

func execPruneContainers(ctx context.Context, d *Dispatcher, ex *execution) (string, error) {
	var cfg ServerConfig
	if err := json.Unmarshal(ex.res.Config, &cfg); err != nil {
		return "", NewInternalError("decode server %s config", ex.res.ID).WithCause(err)
	}
	if !cfg.Enabled {
		return "", NewValidationError("server %s is disabled", ex.res.ID)
	}

	result, err := d.agent.Execute(ctx, &cfg, AgentCall{
		Operation: OpPruneContainers,
	}, d.sink(ctx, ex))
	if err != nil {
		return "", err
	}
	if result.Output != "" {
		return result.Output, nil
	}
	return "containers pruned", nil
}

func execBuild(ctx context.Context, d *Dispatcher, ex *execution) (string, error) {
	var cfg BuildConfig
	if err := json.Unmarshal(ex.res.Config, &cfg); err != nil {
		return "", NewInternalError("decode build %s config", ex.res.ID).WithCause(err)
	}
	server, err := d.agentFor(ctx, cfg.ServerID)
	if err != nil {
		return "", err
	}

	result, err := d.agent.Execute(ctx, server, AgentCall{
		Operation: OpBuild,
		Build:     &cfg,
	}, d.sink(ctx, ex))
	if err != nil {
		return "", err
	}

	builtAt := d.now()
	image := result.Image
	if image == "" {
		image = cfg.Image
	}
	d.applyInfo(ctx, ex.req.Target, BuildInfo{
		LastBuiltAt: &builtAt,
		LastImage:   image,
	})
	return fmt.Sprintf("built %s", image), nil
}

// execRunProcedure runs each step as a full dispatch of its own, so every
// step takes its step target's lock and gets its own update. A failing
// step is recorded and the procedure moves on; the procedure update
// fails if any step failed.
func execRunProcedure(ctx context.Context, d *Dispatcher, ex *execution) (string, error) {
	var cfg ProcedureConfig
	if err := json.Unmarshal(ex.res.Config, &cfg); err != nil {
		return "", NewInternalError("decode procedure %s config", ex.res.ID).WithCause(err)
	}
	if len(cfg.Steps) == 0 {
		return "", NewValidationError("procedure has no steps").WithTarget(ex.req.Target)
	}

	sink := d.sink(ctx, ex)
	failed := 0
	for i, step := range cfg.Steps {
		if step.Target == ex.req.Target {
			failed++
			sink(StreamStderr, fmt.Sprintf("step %d: procedure cannot invoke itself", i+1))
			continue
		}
		u, err := d.Dispatch(ctx, ActionRequest{
			Target:    step.Target,
			Operation: step.Operation,
			Operator:  ex.req.Operator,
		})
		switch {
		case err != nil:
			failed++
			sink(StreamStderr, fmt.Sprintf("step %d: %s %s failed: %v", i+1, step.Operation, step.Target, err))
		case u != nil && !u.Success:
			failed++
			sink(StreamStderr, fmt.Sprintf("step %d: %s %s failed: %s", i+1, step.Operation, step.Target, u.Message))
		default:
			sink(StreamStdout, fmt.Sprintf("step %d: %s %s ok", i+1, step.Operation, step.Target))
		}
	}

	runAt := d.now()
	d.applyInfo(ctx, ex.req.Target, ProcedureInfo{LastRunAt: &runAt})

	if failed > 0 {
		return "", fmt.Errorf("%d of %d steps failed", failed, len(cfg.Steps))
	}
	return fmt.Sprintf("%d steps completed", len(cfg.Steps)), nil
}
