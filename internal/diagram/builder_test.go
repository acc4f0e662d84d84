package diagram

import (
	"testing"
	"time"

	"github.com/rendis/chainrun/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialChain() *schema.ChainDefinition {
	return &schema.ChainDefinition{
		ID: "etl",
		Steps: []schema.StepDefinition{
			{Target: "echo", Operation: "fetch"},
			{Target: "jq"},
			{Target: "echo", Operation: "store"},
		},
	}
}

func conditionalChain() *schema.ChainDefinition {
	return &schema.ChainDefinition{
		ID:   "gated",
		Mode: schema.ModeConditional,
		Steps: []schema.StepDefinition{
			{Target: "echo"},
			{Target: "fail", Condition: "steps[0].success"},
			{Target: "echo", Condition: "!steps[1].success"},
		},
	}
}

func parallelChain() *schema.ChainDefinition {
	return &schema.ChainDefinition{
		ID:   "fan",
		Mode: schema.ModeParallel,
		Steps: []schema.StepDefinition{
			{Target: "echo"},
			{Target: "delay"},
			{Target: "cel"},
		},
	}
}

func nodeByID(t *testing.T, m *DiagramModel, id string) *Node {
	t.Helper()
	n := m.node(id)
	require.NotNil(t, n, "node %s", id)
	return n
}

func TestBuildRequiresInput(t *testing.T) {
	_, err := Build(nil, nil)
	require.Error(t, err)
}

func TestBuildSequential(t *testing.T) {
	model, err := Build(sequentialChain(), nil)
	require.NoError(t, err)

	assert.Equal(t, "etl (sequential)", model.Title)
	require.Len(t, model.Nodes, 5)
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, NodeKindEnd, model.Nodes[4].Kind)
	assert.Equal(t, "0: echo.fetch", nodeByID(t, model, "step_0").Label)
	assert.Equal(t, "1: jq.execute", nodeByID(t, model, "step_1").Label)

	assert.Equal(t, []Edge{
		{From: startID, To: "step_0"},
		{From: "step_0", To: "step_1"},
		{From: "step_1", To: "step_2"},
		{From: "step_2", To: endID},
	}, model.Edges)
	assert.Len(t, model.Levels, 5)

	for _, n := range model.Nodes {
		assert.Nil(t, n.Status, "no overlay without a result")
	}
}

func TestBuildConditional(t *testing.T) {
	model, err := Build(conditionalChain(), nil)
	require.NoError(t, err)

	assert.Equal(t, NodeKindStep, nodeByID(t, model, "step_0").Kind)
	assert.Equal(t, NodeKindCondition, nodeByID(t, model, "step_1").Kind)
	assert.Equal(t, "if steps[0].success", model.incoming("step_1"))
	assert.Equal(t, "if !steps[1].success", model.incoming("step_2"))
	assert.Empty(t, model.incoming("step_0"))
}

func TestBuildConditionIgnoredOutsideConditionalMode(t *testing.T) {
	def := conditionalChain()
	def.Mode = schema.ModeSequential

	model, err := Build(def, nil)
	require.NoError(t, err)
	assert.Equal(t, NodeKindStep, nodeByID(t, model, "step_1").Kind)
	assert.Empty(t, model.incoming("step_1"))
}

func TestBuildLongConditionTruncated(t *testing.T) {
	def := &schema.ChainDefinition{
		Mode: schema.ModeConditional,
		Steps: []schema.StepDefinition{
			{Target: "echo", Condition: "steps.size() > 0 && steps[0].success && steps[0].result.ok == true"},
		},
	}
	model, err := Build(def, nil)
	require.NoError(t, err)

	label := model.incoming("step_0")
	assert.Len(t, []rune(label), maxConditionLabel)
	assert.Contains(t, label, "...")
	assert.Equal(t, "conditional", model.Title)
}

func TestBuildParallel(t *testing.T) {
	model, err := Build(parallelChain(), nil)
	require.NoError(t, err)

	require.Len(t, model.Levels, 3)
	assert.Equal(t, []string{"step_0", "step_1", "step_2"}, model.Levels[1])
	assert.Len(t, model.Edges, 6)
	assert.Contains(t, model.Edges, Edge{From: startID, To: "step_1"})
	assert.Contains(t, model.Edges, Edge{From: "step_2", To: endID})
}

func TestBuildEmpty(t *testing.T) {
	model, err := Build(&schema.ChainDefinition{ID: "empty"}, nil)
	require.NoError(t, err)

	assert.Len(t, model.Nodes, 2)
	assert.Equal(t, []Edge{{From: startID, To: endID}}, model.Edges)
}

func TestBuildWithResultOverlay(t *testing.T) {
	done := time.Now()
	result := &schema.ChainResult{
		ChainID:    "chain_7",
		Mode:       schema.ModeSequential,
		Status:     schema.ChainStatusFailed,
		TotalSteps: 3,
		Steps: []schema.StepResult{
			{Index: 0, Target: "echo", Operation: "fetch", Success: true, ExecutionTime: 0.25, Attempts: 3},
			{Index: 1, Target: "jq", Operation: "execute", Error: schema.NewError(schema.ErrCodeExecution, "bad filter")},
		},
		CompletedAt: &done,
	}

	model, err := Build(sequentialChain(), result)
	require.NoError(t, err)
	assert.Equal(t, "chain_7 (sequential)", model.Title)

	first := nodeByID(t, model, "step_0").Status
	require.NotNil(t, first)
	assert.Equal(t, StatusCompleted, first.Status)
	assert.Equal(t, int64(250), first.DurationMs)
	assert.Equal(t, 2, first.RetryCount)

	second := nodeByID(t, model, "step_1").Status
	assert.Equal(t, StatusFailed, second.Status)
	assert.Equal(t, "bad filter", second.Error)

	assert.Equal(t, StatusPending, nodeByID(t, model, "step_2").Status.Status)
	assert.Nil(t, nodeByID(t, model, startID).Status)
}

func TestBuildFromResultOnly(t *testing.T) {
	result := &schema.ChainResult{
		ChainID:    "chain_1",
		Mode:       schema.ModeConditional,
		Status:     schema.ChainStatusRunning,
		TotalSteps: 3,
		Steps: []schema.StepResult{
			{Index: 0, Target: "echo", Operation: "execute", Success: true, Skipped: true},
		},
	}

	model, err := Build(nil, result)
	require.NoError(t, err)

	assert.Equal(t, "0: echo.execute", nodeByID(t, model, "step_0").Label)
	assert.Equal(t, "2: step.execute", nodeByID(t, model, "step_2").Label)
	assert.Equal(t, StatusSkipped, nodeByID(t, model, "step_0").Status.Status)
	assert.Equal(t, StatusRunning, nodeByID(t, model, "step_1").Status.Status)
	assert.Equal(t, StatusPending, nodeByID(t, model, "step_2").Status.Status)
}

func TestBuildParallelRunningAndCancelled(t *testing.T) {
	running := &schema.ChainResult{ChainID: "p", Mode: schema.ModeParallel, Status: schema.ChainStatusRunning, TotalSteps: 2}
	model, err := Build(parallelChain(), running)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, nodeByID(t, model, "step_0").Status.Status)
	assert.Equal(t, StatusRunning, nodeByID(t, model, "step_1").Status.Status)

	failed := &schema.ChainResult{
		ChainID:    "p",
		Mode:       schema.ModeParallel,
		Status:     schema.ChainStatusFailed,
		TotalSteps: 2,
		Steps: []schema.StepResult{
			{Index: 0, Target: "echo", Error: schema.NewError(schema.ErrCodeExecution, "boom")},
			{Index: 1, Target: "delay", Error: schema.NewError(schema.ErrCodeCancelled, "chain cancelled")},
		},
	}
	model, err = Build(nil, failed)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, nodeByID(t, model, "step_0").Status.Status)
	assert.Equal(t, StatusCancelled, nodeByID(t, model, "step_1").Status.Status)
}
