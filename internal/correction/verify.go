package correction

import (
	"context"
	"fmt"
	"time"

	"github.com/drewrad8/foreman/internal/breaker"
	"github.com/drewrad8/foreman/internal/log"
)

// Verification is the aggregated result of running external checks against
// an output.
type Verification struct {
	Valid      bool       `json:"valid"`
	Critiques  []Critique `json:"critiques"`
	Confidence float64    `json:"confidence"`
	Evidence   []string   `json:"evidence,omitempty"`
}

// Tool is one external verifier. Tools must be side-effect-free with respect
// to the output under review; they observe and report, nothing more.
type Tool interface {
	Name() string
	Check(ctx context.Context, output string, taskCtx Context) (Verification, error)
}

// defaultToolTimeout bounds a single tool invocation.
const defaultToolTimeout = 30 * time.Second

// Pipeline dispatches verification to the tools registered for a task type
// and aggregates their findings.
type Pipeline struct {
	tools       map[TaskType][]Tool
	toolTimeout time.Duration
	breakers    *breaker.Registry
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		tools:       make(map[TaskType][]Tool),
		toolTimeout: defaultToolTimeout,
	}
}

// UseBreakers guards each tool invocation with a per-tool circuit breaker
// from reg. A tool whose breaker has tripped fails verification fast instead
// of burning its timeout.
func (p *Pipeline) UseBreakers(reg *breaker.Registry) {
	p.breakers = reg
}

// Register adds a tool for a task type. Tools run in registration order.
func (p *Pipeline) Register(taskType TaskType, tool Tool) {
	p.tools[taskType] = append(p.tools[taskType], tool)
}

// Verify runs every registered tool for the task type and merges the results.
// Overall validity requires no error-severity critique from any tool; overall
// confidence is the mean of per-tool confidences.
func (p *Pipeline) Verify(ctx context.Context, output string, taskType TaskType, taskCtx Context) (Verification, error) {
	tools := p.tools[taskType]
	if len(tools) == 0 {
		return Verification{}, fmt.Errorf("no verification tools registered for task type %q", taskType)
	}

	agg := Verification{Valid: true}
	var confidenceSum float64

	for _, tool := range tools {
		toolCtx, cancel := context.WithTimeout(ctx, p.toolTimeout)
		result, err := p.check(toolCtx, tool, output, taskCtx)
		cancel()
		if err != nil {
			return Verification{}, fmt.Errorf("tool %s: %w", tool.Name(), err)
		}

		agg.Critiques = append(agg.Critiques, result.Critiques...)
		agg.Evidence = append(agg.Evidence, result.Evidence...)
		confidenceSum += result.Confidence
		log.Debug(log.CatLoop, "tool finished", "tool", tool.Name(), "critiques", len(result.Critiques), "confidence", result.Confidence)
	}

	for _, c := range agg.Critiques {
		if c.Severity == SeverityError {
			agg.Valid = false
			break
		}
	}
	agg.Confidence = confidenceSum / float64(len(tools))
	return agg, nil
}

// check invokes one tool, routed through its breaker when one is configured.
func (p *Pipeline) check(ctx context.Context, tool Tool, output string, taskCtx Context) (Verification, error) {
	if p.breakers == nil {
		return tool.Check(ctx, output, taskCtx)
	}

	var result Verification
	err := p.breakers.Get("verify."+tool.Name()).Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = tool.Check(ctx, output, taskCtx)
		return err
	})
	return result, err
}
