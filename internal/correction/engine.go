package correction

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/drewrad8/foreman/internal/history"
	"github.com/drewrad8/foreman/internal/log"
	"github.com/drewrad8/foreman/internal/tracing"
)

// TaskType selects the verification tools and iteration budget for a session.
type TaskType string

const (
	TaskCode      TaskType = "code"
	TaskFactual   TaskType = "factual"
	TaskReasoning TaskType = "reasoning"
	TaskFormat    TaskType = "format"
)

// maxIterations is the per-task-type revision budget.
var maxIterations = map[TaskType]int{
	TaskCode:      5,
	TaskReasoning: 3,
	TaskFactual:   3,
	TaskFormat:    2,
}

// confidenceThreshold accepts an output early even with open critiques.
const confidenceThreshold = 0.95

// StopReason explains why a session ended.
type StopReason string

const (
	StopValidOutput         StopReason = "valid_output"
	StopMaxIterations       StopReason = "max_iterations"
	StopNoNewCritiques      StopReason = "no_new_critiques"
	StopConfidenceThreshold StopReason = "confidence_threshold"
	StopProducerUnavailable StopReason = "producer_unavailable"
	StopVerificationError   StopReason = "verification_error"
)

// Producer revises an output in response to formatted critiques. Typically
// backed by a worker's terminal session.
type Producer interface {
	SendCritique(ctx context.Context, formattedCritique string, taskCtx Context) (string, error)
}

// Context carries session-scoped information to the producer and the tools.
type Context struct {
	ProjectID string
	// Preamble is guidance injected ahead of the task, e.g. retrieved
	// reflections.
	Preamble string
	// Extra holds tool-specific context values.
	Extra map[string]string
}

// HistoryEntry records one iteration of the loop.
type HistoryEntry struct {
	Iteration    int          `json:"iteration"`
	Output       string       `json:"output"`
	Verification Verification `json:"verification"`
}

// Result is the outcome of a correction session.
type Result struct {
	Success         bool           `json:"success"`
	FinalOutput     string         `json:"finalOutput"`
	Iterations      int            `json:"iterations"`
	RemainingIssues []Critique     `json:"remainingIssues"`
	StopReason      StopReason     `json:"stopReason"`
	History         []HistoryEntry `json:"history"`
	Confidence      float64        `json:"confidence"`
}

// Engine drives verify → critique → revise sessions. Verification is always
// external; the producer is never asked to judge its own work.
type Engine struct {
	pipeline *Pipeline
	memory   *Memory
	tracer   trace.Tracer
}

// NewEngine creates an engine. memory may be nil to disable reflections.
func NewEngine(pipeline *Pipeline, memory *Memory, tp *tracing.Provider) *Engine {
	var tracer trace.Tracer
	if tp != nil {
		tracer = tp.Tracer()
	} else {
		tracer = noop.NewTracerProvider().Tracer("correction")
	}
	return &Engine{pipeline: pipeline, memory: memory, tracer: tracer}
}

// Run improves initialOutput until it verifies clean or the budget runs out.
func (e *Engine) Run(ctx context.Context, producer Producer, initialOutput string, taskType TaskType, taskCtx Context) (Result, error) {
	budget, ok := maxIterations[taskType]
	if !ok {
		return Result{}, fmt.Errorf("unknown task type %q", taskType)
	}

	ctx, span := e.tracer.Start(ctx, tracing.SpanPrefixLoop+"run",
		trace.WithAttributes(attribute.String(tracing.AttrLoopCategory, string(taskType))))
	defer span.End()

	used := e.injectReflections(taskType, &taskCtx)

	output := initialOutput
	var lastCritiques []Critique
	res := Result{History: make([]HistoryEntry, 0, budget)}

	stop := func(reason StopReason, remaining []Critique, reinforced []history.Reflection) Result {
		span.SetAttributes(attribute.String(tracing.AttrLoopHalt, string(reason)))
		return e.finish(res, output, reason, remaining, taskType, taskCtx, reinforced)
	}

	for {
		res.Iterations++
		span.SetAttributes(attribute.Int(tracing.AttrLoopIteration, res.Iterations))

		if ctx.Err() != nil {
			return stop(StopProducerUnavailable, lastCritiques, nil), nil
		}

		verification, err := e.pipeline.Verify(ctx, output, taskType, taskCtx)
		if err != nil {
			log.ErrorErr(log.CatLoop, "verification failed", err, "taskType", taskType, "iteration", res.Iterations)
			return stop(StopVerificationError, lastCritiques, nil), nil
		}
		res.History = append(res.History, HistoryEntry{Iteration: res.Iterations, Output: output, Verification: verification})
		res.Confidence = verification.Confidence

		switch {
		case verification.Valid:
			return stop(StopValidOutput, verification.Critiques, used), nil
		case verification.Confidence >= confidenceThreshold:
			return stop(StopConfidenceThreshold, verification.Critiques, used), nil
		case res.Iterations >= budget:
			return stop(StopMaxIterations, verification.Critiques, nil), nil
		case len(lastCritiques) > 0 && isSubset(critiqueSet(verification.Critiques), critiqueSet(lastCritiques)):
			log.Info(log.CatLoop, "stagnation detected", "taskType", taskType, "iteration", res.Iterations)
			return stop(StopNoNewCritiques, verification.Critiques, nil), nil
		}

		revised, err := producer.SendCritique(ctx, FormatCritiques(verification.Critiques), taskCtx)
		if err != nil {
			log.Warn(log.CatLoop, "producer unavailable", "taskType", taskType, "iteration", res.Iterations, "error", err.Error())
			return stop(StopProducerUnavailable, verification.Critiques, nil), nil
		}
		output = revised
		lastCritiques = verification.Critiques
	}
}

// finish closes out a session: fills the result, and on failure stores a
// reflection while on success reinforces the ones that helped.
func (e *Engine) finish(res Result, output string, reason StopReason, remaining []Critique, taskType TaskType, taskCtx Context, used []history.Reflection) Result {
	res.StopReason = reason
	res.FinalOutput = output
	res.RemainingIssues = remaining
	res.Success = reason == StopValidOutput || reason == StopConfidenceThreshold

	if e.memory != nil {
		switch {
		case res.Success && len(used) > 0:
			e.memory.Reinforce(used)
		case !res.Success && reason != StopProducerUnavailable && len(res.History) > 0:
			if _, err := e.memory.StoreFailure(taskType, taskCtx.ProjectID, res.History, remaining); err != nil {
				log.ErrorErr(log.CatLoop, "reflection store failed", err, "taskType", taskType)
			}
		}
	}

	log.Info(log.CatLoop, "session finished", "taskType", taskType,
		"iterations", res.Iterations, "stopReason", reason, "success", res.Success)
	return res
}

// injectReflections prepends retrieved lessons to the context preamble and
// returns the reflections used (for reinforcement on success).
func (e *Engine) injectReflections(taskType TaskType, taskCtx *Context) []history.Reflection {
	if e.memory == nil {
		return nil
	}
	refs, err := e.memory.Retrieve(taskType, taskCtx.ProjectID)
	if err != nil {
		log.ErrorErr(log.CatLoop, "reflection retrieval failed", err, "taskType", taskType)
		return nil
	}
	if p := Preamble(refs); p != "" {
		if taskCtx.Preamble != "" {
			taskCtx.Preamble = p + "\n" + taskCtx.Preamble
		} else {
			taskCtx.Preamble = p
		}
	}
	return refs
}
