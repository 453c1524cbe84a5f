package flow

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/wallet"
)

const (
	defaultEstimatedSeconds = 30
	defaultCategory         = "general"
	defaultPlanVersion      = "1.0"
)

// AtomicMode decides how step failures affect the rest of a flow.
type AtomicMode string

const (
	// AtomicStrict stops the flow on the first critical failure.
	AtomicStrict AtomicMode = "strict"
	// AtomicLenient records failures and keeps going.
	AtomicLenient AtomicMode = "lenient"
	// AtomicConditional stops on critical failures only; non-critical steps may fail.
	AtomicConditional AtomicMode = "conditional"
)

// StopsOnCriticalFailure reports whether a failed critical step ends the flow.
func (m AtomicMode) StopsOnCriticalFailure() bool {
	return m != AtomicLenient
}

// RecoveryKind names a recovery strategy.
type RecoveryKind string

const (
	RecoveryRetry           RecoveryKind = "retry"
	RecoveryAlternativeFlow RecoveryKind = "alternative_flow"
	RecoveryUserFulfillment RecoveryKind = "user_fulfillment"
)

// RecoveryStrategy is carried with a step and persisted, but the executor
// does not act on it.
type RecoveryStrategy struct {
	Kind      RecoveryKind `json:"type" yaml:"type"`
	Attempts  int          `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	FlowID    string       `json:"flow_id,omitempty" yaml:"flow_id,omitempty"`
	Questions []string     `json:"questions,omitempty" yaml:"questions,omitempty"`
}

// DynamicStep is one step of a flow plan.
type DynamicStep struct {
	StepID               string            `json:"step_id" yaml:"step_id"`
	PromptTemplate       string            `json:"prompt_template" yaml:"prompt_template"`
	Description          string            `json:"description" yaml:"description"`
	RequiredTools        []string          `json:"required_tools,omitempty" yaml:"required_tools,omitempty"`
	Critical             bool              `json:"critical" yaml:"critical"`
	EstimatedTimeSeconds int               `json:"estimated_time_seconds" yaml:"estimated_time_seconds"`
	RecoveryStrategy     *RecoveryStrategy `json:"recovery_strategy,omitempty" yaml:"recovery_strategy,omitempty"`
}

// NewStep returns a critical step with the default time estimate.
func NewStep(stepID, prompt, description string) DynamicStep {
	return DynamicStep{
		StepID:               stepID,
		PromptTemplate:       prompt,
		Description:          description,
		Critical:             true,
		EstimatedTimeSeconds: defaultEstimatedSeconds,
	}
}

type rawStep DynamicStep

func stepDefaults() rawStep {
	return rawStep{Critical: true, EstimatedTimeSeconds: defaultEstimatedSeconds}
}

// UnmarshalJSON applies step defaults for omitted fields.
func (s *DynamicStep) UnmarshalJSON(data []byte) error {
	r := stepDefaults()
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*s = DynamicStep(r)
	return nil
}

// UnmarshalYAML applies step defaults for omitted fields.
func (s *DynamicStep) UnmarshalYAML(value *yaml.Node) error {
	r := stepDefaults()
	if err := value.Decode(&r); err != nil {
		return err
	}
	*s = DynamicStep(r)
	return nil
}

// FlowMetadata describes where a plan came from.
type FlowMetadata struct {
	CreatedAt       time.Time `json:"created_at" yaml:"created_at"`
	Category        string    `json:"category" yaml:"category"`
	ComplexityScore int       `json:"complexity_score" yaml:"complexity_score"`
	Tags            []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Version         string    `json:"version" yaml:"version"`
}

// DynamicFlowPlan is an ordered list of steps run against one wallet.
type DynamicFlowPlan struct {
	FlowID               string                `json:"flow_id" yaml:"flow_id"`
	UserPrompt           string                `json:"user_prompt" yaml:"user_prompt"`
	Steps                []DynamicStep         `json:"steps" yaml:"steps"`
	Context              *wallet.Context       `json:"context" yaml:"context"`
	Metadata             FlowMetadata          `json:"metadata" yaml:"metadata"`
	AtomicMode           AtomicMode            `json:"atomic_mode,omitempty" yaml:"atomic_mode,omitempty"`
	FinalStateAssertions []FinalStateAssertion `json:"final_state_assertions,omitempty" yaml:"final_state_assertions,omitempty"`
}

// NewFlowPlan returns a plan with default metadata and strict atomic mode.
func NewFlowPlan(flowID, userPrompt string, ctx *wallet.Context) *DynamicFlowPlan {
	p := &DynamicFlowPlan{FlowID: flowID, UserPrompt: userPrompt, Context: ctx}
	p.ApplyDefaults(time.Now())
	return p
}

// AddStep appends step and returns the plan.
func (p *DynamicFlowPlan) AddStep(step DynamicStep) *DynamicFlowPlan {
	p.Steps = append(p.Steps, step)
	p.Metadata.ComplexityScore = len(p.Steps)
	return p
}

// CriticalSteps returns the ids of the critical steps in order.
func (p *DynamicFlowPlan) CriticalSteps() []string {
	var ids []string
	for _, step := range p.Steps {
		if step.Critical {
			ids = append(ids, step.StepID)
		}
	}
	return ids
}

// EstimatedDuration sums the step estimates.
func (p *DynamicFlowPlan) EstimatedDuration() time.Duration {
	var total int
	for _, step := range p.Steps {
		total += step.EstimatedTimeSeconds
	}
	return time.Duration(total) * time.Second
}

// Clone returns a deep copy of p. Assertion parameters are copied one level
// deep.
func (p *DynamicFlowPlan) Clone() *DynamicFlowPlan {
	if p == nil {
		return nil
	}
	out := *p
	out.Context = p.Context.Clone()
	out.Metadata.Tags = append([]string(nil), p.Metadata.Tags...)
	if p.Steps != nil {
		out.Steps = make([]DynamicStep, len(p.Steps))
		for i, step := range p.Steps {
			step.RequiredTools = append([]string(nil), step.RequiredTools...)
			if step.RecoveryStrategy != nil {
				rs := *step.RecoveryStrategy
				rs.Questions = append([]string(nil), rs.Questions...)
				step.RecoveryStrategy = &rs
			}
			out.Steps[i] = step
		}
	}
	if p.FinalStateAssertions != nil {
		out.FinalStateAssertions = make([]FinalStateAssertion, len(p.FinalStateAssertions))
		for i, a := range p.FinalStateAssertions {
			a.ExpectedChangeGte = cloneFloat(a.ExpectedChangeGte)
			a.ExpectedChangeLte = cloneFloat(a.ExpectedChangeLte)
			if a.Parameters != nil {
				params := make(map[string]any, len(a.Parameters))
				for k, v := range a.Parameters {
					params[k] = v
				}
				a.Parameters = params
			}
			out.FinalStateAssertions[i] = a
		}
	}
	return &out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// ApplyDefaults fills metadata and atomic mode.
func (p *DynamicFlowPlan) ApplyDefaults(now time.Time) {
	if p.Metadata.CreatedAt.IsZero() {
		p.Metadata.CreatedAt = now.UTC()
	}
	if p.Metadata.Category == "" {
		p.Metadata.Category = defaultCategory
	}
	if p.Metadata.Version == "" {
		p.Metadata.Version = defaultPlanVersion
	}
	if p.Metadata.ComplexityScore == 0 {
		p.Metadata.ComplexityScore = len(p.Steps)
	}
	if p.AtomicMode == "" {
		p.AtomicMode = AtomicStrict
	}
}

// Validate checks the structure of the plan and its assertions.
func (p *DynamicFlowPlan) Validate() error {
	if p == nil {
		return xerrors.New(CodeInvalidFlowPlan, "flow plan is nil")
	}
	var problems []string
	if strings.TrimSpace(p.FlowID) == "" {
		problems = append(problems, "flow_id is empty")
	}
	if strings.TrimSpace(p.UserPrompt) == "" {
		problems = append(problems, "user_prompt is empty")
	}
	if p.Context == nil || strings.TrimSpace(p.Context.Owner) == "" {
		problems = append(problems, "wallet owner is empty")
	}
	if len(p.Steps) == 0 {
		problems = append(problems, "flow has no steps")
	}
	seen := make(map[string]struct{}, len(p.Steps))
	for i, step := range p.Steps {
		if strings.TrimSpace(step.StepID) == "" {
			problems = append(problems, fmt.Sprintf("step %d has no step_id", i+1))
		} else if _, dup := seen[step.StepID]; dup {
			problems = append(problems, fmt.Sprintf("step_id %s is duplicated", step.StepID))
		} else {
			seen[step.StepID] = struct{}{}
		}
		if strings.TrimSpace(step.PromptTemplate) == "" {
			problems = append(problems, fmt.Sprintf("step %d has no prompt_template", i+1))
		}
		if step.EstimatedTimeSeconds < 0 {
			problems = append(problems, fmt.Sprintf("step %d has a negative time estimate", i+1))
		}
	}
	switch p.AtomicMode {
	case "", AtomicStrict, AtomicLenient, AtomicConditional:
	default:
		problems = append(problems, fmt.Sprintf("unknown atomic_mode %q", p.AtomicMode))
	}
	for i, assertion := range p.FinalStateAssertions {
		if err := assertion.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("assertion %d: %v", i+1, err))
		}
	}
	if len(problems) > 0 {
		return xerrors.New(CodeInvalidFlowPlan, strings.Join(problems, "; "),
			xerrors.WithMetadata("flow_id", p.FlowID))
	}
	return nil
}

// ParsePlan decodes a YAML or JSON plan, applies defaults and validates it.
func ParsePlan(data []byte) (*DynamicFlowPlan, error) {
	var plan DynamicFlowPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, xerrors.Wrap(CodeInvalidFlowPlan, err, "decode flow plan")
	}
	plan.ApplyDefaults(time.Now())
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// LoadPlan reads and parses the plan file at path.
func LoadPlan(path string) (*DynamicFlowPlan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidFlowPlan, err, fmt.Sprintf("read flow plan %s", path))
	}
	return ParsePlan(content)
}
