package diagram

import (
	"errors"
	"fmt"

	"github.com/rendis/chainrun/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"

	maxConditionLabel = 40
)

// Step statuses shown on the overlay.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
	StatusRunning   = "running"
	StatusPending   = "pending"
)

// Build converts a chain into a DiagramModel. Either argument may be nil, but
// not both: a definition alone draws the plan, a result alone draws the run
// with labels taken from its step results, and both overlay the run on the plan.
func Build(def *schema.ChainDefinition, result *schema.ChainResult) (*DiagramModel, error) {
	if def == nil && result == nil {
		return nil, errors.New("diagram: a definition or a result is required")
	}

	mode, steps := chainShape(def, result)
	model := &DiagramModel{Title: title(def, result, mode)}

	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	stepIDs := make([]string, len(steps))
	for i, s := range steps {
		id := fmt.Sprintf("step_%d", i)
		stepIDs[i] = id
		n := &Node{ID: id, Label: fmt.Sprintf("%d: %s.%s", i, s.target, s.operation), Kind: NodeKindStep}
		if mode == schema.ModeConditional && s.condition != "" {
			n.Kind = NodeKindCondition
		}
		if result != nil {
			n.Status = overlay(result, i)
		}
		model.Nodes = append(model.Nodes, n)
	}
	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	switch {
	case len(steps) == 0:
		model.Edges = []Edge{{From: startID, To: endID}}
		model.Levels = [][]string{{startID}, {endID}}
	case mode == schema.ModeParallel:
		for _, id := range stepIDs {
			model.Edges = append(model.Edges, Edge{From: startID, To: id}, Edge{From: id, To: endID})
		}
		model.Levels = [][]string{{startID}, stepIDs, {endID}}
	default:
		prev := startID
		model.Levels = append(model.Levels, []string{startID})
		for i, id := range stepIDs {
			e := Edge{From: prev, To: id}
			if mode == schema.ModeConditional && steps[i].condition != "" {
				e.Label = conditionLabel(steps[i].condition)
			}
			model.Edges = append(model.Edges, e)
			model.Levels = append(model.Levels, []string{id})
			prev = id
		}
		model.Edges = append(model.Edges, Edge{From: prev, To: endID})
		model.Levels = append(model.Levels, []string{endID})
	}
	return model, nil
}

type stepShape struct {
	target    string
	operation string
	condition string
}

func chainShape(def *schema.ChainDefinition, result *schema.ChainResult) (schema.Mode, []stepShape) {
	if def != nil {
		mode := def.Mode
		if mode == "" {
			mode = schema.ModeSequential
		}
		steps := make([]stepShape, len(def.Steps))
		for i, sd := range def.Steps {
			op := sd.Operation
			if op == "" {
				op = schema.DefaultOperation
			}
			steps[i] = stepShape{target: sd.Target, operation: op, condition: sd.Condition}
		}
		return mode, steps
	}

	total := result.TotalSteps
	if len(result.Steps) > total {
		total = len(result.Steps)
	}
	steps := make([]stepShape, total)
	for i := range steps {
		steps[i] = stepShape{target: "step", operation: schema.DefaultOperation}
	}
	for _, r := range result.Steps {
		if r.Index >= 0 && r.Index < total {
			steps[r.Index] = stepShape{target: r.Target, operation: r.Operation}
		}
	}
	return result.Mode, steps
}

func title(def *schema.ChainDefinition, result *schema.ChainResult, mode schema.Mode) string {
	id := ""
	switch {
	case result != nil && result.ChainID != "":
		id = result.ChainID
	case def != nil:
		id = def.ID
	}
	if id == "" {
		return string(mode)
	}
	return fmt.Sprintf("%s (%s)", id, mode)
}

// overlay derives the runtime state of step i from the chain result.
func overlay(result *schema.ChainResult, i int) *StatusOverlay {
	for _, r := range result.Steps {
		if r.Index != i {
			continue
		}
		st := &StatusOverlay{DurationMs: int64(r.ExecutionTime * 1000)}
		if r.Attempts > 1 {
			st.RetryCount = r.Attempts - 1
		}
		switch {
		case r.Skipped:
			st.Status = StatusSkipped
		case r.Success:
			st.Status = StatusCompleted
		case r.Error != nil && r.Error.Code == schema.ErrCodeCancelled:
			st.Status = StatusCancelled
			st.Error = r.Error.Message
		default:
			st.Status = StatusFailed
			st.Error = r.ErrorMessage()
		}
		return st
	}

	if result.Status != schema.ChainStatusRunning {
		return &StatusOverlay{Status: StatusPending}
	}
	// Parallel results land together at the end of the run.
	if result.Mode == schema.ModeParallel || i == len(result.Steps) {
		return &StatusOverlay{Status: StatusRunning}
	}
	return &StatusOverlay{Status: StatusPending}
}

func conditionLabel(cond string) string {
	label := "if " + cond
	if r := []rune(label); len(r) > maxConditionLabel {
		return string(r[:maxConditionLabel-3]) + "..."
	}
	return label
}
