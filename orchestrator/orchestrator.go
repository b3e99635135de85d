// Package orchestrator runs the repair pipeline: ensure the planning agent
// once, then map, plan and persist each fault.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/repairplanner/agent"
	"github.com/c360studio/repairplanner/events"
	"github.com/c360studio/repairplanner/fault"
	"github.com/c360studio/repairplanner/metrics"
	"github.com/c360studio/repairplanner/planner"
	"github.com/c360studio/repairplanner/workorder"
)

const tracerName = "github.com/c360studio/repairplanner/orchestrator"

// DefaultConcurrency is the number of faults processed at once by ProcessBatch.
const DefaultConcurrency = 4

// Stage is a pipeline state.
type Stage string

const (
	StageNotStarted   Stage = "not_started"
	StageAgentEnsured Stage = "agent_ensured"
	StageMapped       Stage = "mapped"
	StagePlanned      Stage = "planned"
	StagePersisted    Stage = "persisted"
)

// StageError reports a fault that failed. Stage is the state that could not
// be reached.
type StageError struct {
	Stage Stage
	Fault fault.DiagnosedFault
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: stage %s: %v", e.Fault, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// PlanGenerator produces a repair plan.
type PlanGenerator interface {
	GeneratePlan(ctx context.Context, def *agent.Definition, f fault.DiagnosedFault, rc fault.RepairContext) (*planner.RepairPlan, error)
}

// WorkOrderCreator persists work orders.
type WorkOrderCreator interface {
	CreateWorkOrder(ctx context.Context, f fault.DiagnosedFault, plan *planner.RepairPlan) (*workorder.WorkOrder, error)
}

// Deps are the pipeline collaborators.
type Deps struct {
	Provisioner agent.Provisioner
	Spec        agent.Spec
	Mapper      fault.Mapper
	Generator   PlanGenerator
	Store       WorkOrderCreator
	// Publisher is optional; nil discards events.
	Publisher events.Publisher
}

// Orchestrator runs the pipeline. It is safe for concurrent use.
type Orchestrator struct {
	deps        Deps
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	concurrency int

	mu     sync.Mutex
	ensure *ensureCall
}

// ensureCall is one run of the agent barrier; done closes when it finishes.
type ensureCall struct {
	done chan struct{}
	def  *agent.Definition
	err  error
	// interrupted is set when the leader's own context ended the run. Its
	// result is not cached and belongs to the leader alone.
	interrupted bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records stage and fault metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// WithConcurrency sets the ProcessBatch concurrency limit.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// New creates an orchestrator.
func New(deps Deps, opts ...Option) *Orchestrator {
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	o := &Orchestrator{
		deps:        deps,
		tracer:      otel.Tracer(tracerName),
		logger:      slog.Default(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// EnsureAgent synchronizes the agent definition once. Concurrent callers
// wait for the first; its definition or terminal failure is cached. A run
// interrupted by its caller's cancellation is not cached, and waiters whose
// own context is still live take over the barrier.
func (o *Orchestrator) EnsureAgent(ctx context.Context) (*agent.Definition, error) {
	for {
		o.mu.Lock()
		call := o.ensure
		if call == nil {
			call = &ensureCall{done: make(chan struct{})}
			o.ensure = call
			o.mu.Unlock()
			return o.leadEnsure(ctx, call)
		}
		o.mu.Unlock()

		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if !call.interrupted {
			return call.def, call.err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (o *Orchestrator) leadEnsure(ctx context.Context, call *ensureCall) (*agent.Definition, error) {
	call.def, call.err = o.runEnsure(ctx)
	if call.err != nil && ctx.Err() != nil {
		call.interrupted = true
		o.mu.Lock()
		if o.ensure == call {
			o.ensure = nil
		}
		o.mu.Unlock()
	}
	close(call.done)
	return call.def, call.err
}

// Resync discards the cached agent state and synchronizes again.
func (o *Orchestrator) Resync(ctx context.Context) (*agent.Definition, error) {
	o.mu.Lock()
	o.ensure = nil
	o.mu.Unlock()
	return o.EnsureAgent(ctx)
}

func (o *Orchestrator) runEnsure(ctx context.Context) (*agent.Definition, error) {
	ctx, span := o.tracer.Start(ctx, "agent.ensure",
		trace.WithAttributes(attribute.String("agent.name", o.deps.Spec.Name)))
	defer span.End()

	start := time.Now()
	res, err := o.deps.Provisioner.EnsureVersion(ctx, o.deps.Spec)
	o.metrics.ObserveStage(string(StageAgentEnsured), time.Since(start), err)
	if err != nil {
		o.metrics.ObserveAgentSync("", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("Agent provisioning failed", "agent", o.deps.Spec.Name, "error", err)
		return nil, err
	}

	o.metrics.ObserveAgentSync(string(res.Action), nil)
	span.SetAttributes(
		attribute.Int("agent.version", res.Definition.Version),
		attribute.String("agent.action", string(res.Action)))
	return res.Definition, nil
}

// ProcessFault runs the pipeline for one fault. Failures are *StageError.
func (o *Orchestrator) ProcessFault(ctx context.Context, f fault.DiagnosedFault) (*workorder.WorkOrder, error) {
	done := o.metrics.FaultStarted()
	defer done()

	ctx, span := o.tracer.Start(ctx, "repair.process_fault", trace.WithAttributes(
		attribute.String("machine.id", f.MachineID),
		attribute.String("fault.type", f.FaultType),
		attribute.String("fault.severity", f.Severity)))
	defer span.End()

	def, err := o.EnsureAgent(ctx)
	if err != nil {
		return nil, o.fail(span, StageAgentEnsured, f, err)
	}

	var rc fault.RepairContext
	if err := o.stage(ctx, StageMapped, func(context.Context) error {
		var err error
		rc, err = o.deps.Mapper.Map(f)
		return err
	}); err != nil {
		return nil, o.fail(span, StageMapped, f, err)
	}
	if !rc.Known {
		o.logger.Warn("Unknown fault type, planning without candidate procedures",
			"machine_id", f.MachineID,
			"fault_type", f.FaultType)
	}

	var plan *planner.RepairPlan
	if err := o.stage(ctx, StagePlanned, func(ctx context.Context) error {
		var err error
		plan, err = o.deps.Generator.GeneratePlan(ctx, def, f, rc)
		return err
	}); err != nil {
		return nil, o.fail(span, StagePlanned, f, err)
	}

	var wo *workorder.WorkOrder
	if err := o.stage(ctx, StagePersisted, func(ctx context.Context) error {
		var err error
		wo, err = o.deps.Store.CreateWorkOrder(ctx, f, plan)
		return err
	}); err != nil {
		return nil, o.fail(span, StagePersisted, f, err)
	}

	if err := o.deps.Publisher.PublishCreated(ctx, wo); err != nil {
		o.logger.Warn("Work order event not published",
			"work_order_number", wo.WorkOrderNumber,
			"error", err)
	}

	span.SetAttributes(
		attribute.String("workorder.id", wo.ID),
		attribute.String("workorder.number", wo.WorkOrderNumber))
	o.metrics.ObserveFault("", nil)
	return wo, nil
}

// stage runs fn as a traced, timed pipeline stage. A cancelled context stops
// the pipeline before the stage starts.
func (o *Orchestrator) stage(ctx context.Context, s Stage, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := o.tracer.Start(ctx, "repair."+string(s))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	o.metrics.ObserveStage(string(s), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) fail(span trace.Span, s Stage, f fault.DiagnosedFault, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.metrics.ObserveFault(string(s), err)
	o.logger.Error("Fault processing failed",
		"machine_id", f.MachineID,
		"fault_type", f.FaultType,
		"stage", s,
		"error", err)
	return &StageError{Stage: s, Fault: f, Err: err}
}

// FaultResult is the outcome of one fault in a batch.
type FaultResult struct {
	Fault     fault.DiagnosedFault
	WorkOrder *workorder.WorkOrder
	Err       error
}

// BatchReport lists per-fault outcomes in input order.
type BatchReport struct {
	Results   []FaultResult
	Succeeded int
	Failed    int
}

// WorkOrders returns the created work orders in input order.
func (r *BatchReport) WorkOrders() []*workorder.WorkOrder {
	out := []*workorder.WorkOrder{}
	for _, res := range r.Results {
		if res.WorkOrder != nil {
			out = append(out, res.WorkOrder)
		}
	}
	return out
}

// IsAbort reports whether err stops a whole batch: the agent could not be
// provisioned or the store stayed unavailable.
func IsAbort(err error) bool {
	var perr *agent.ProvisioningError
	var serr *workorder.PersistenceError
	return errors.As(err, &perr) || errors.As(err, &serr)
}

// ProcessBatch processes faults concurrently after the agent barrier.
// Per-fault failures are collected in the report; an abort error cancels the
// remaining faults and is returned.
func (o *Orchestrator) ProcessBatch(ctx context.Context, faults []fault.DiagnosedFault) (*BatchReport, error) {
	report := &BatchReport{Results: make([]FaultResult, len(faults))}
	for i, f := range faults {
		report.Results[i].Fault = f
	}

	if _, err := o.EnsureAgent(ctx); err != nil {
		for i := range report.Results {
			report.Results[i].Err = &StageError{Stage: StageAgentEnsured, Fault: faults[i], Err: err}
		}
		report.Failed = len(faults)
		return report, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for i, f := range faults {
		g.Go(func() error {
			wo, err := o.ProcessFault(gctx, f)
			report.Results[i].WorkOrder = wo
			report.Results[i].Err = err
			if IsAbort(err) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	for _, res := range report.Results {
		if res.Err != nil {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}

	o.logger.Info("Batch processed",
		"faults", len(faults),
		"succeeded", report.Succeeded,
		"failed", report.Failed)
	return report, err
}
