package diagram

import (
	"context"
	"testing"

	"github.com/rendis/chainrun/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertPNG(t *testing.T, png []byte) {
	t.Helper()
	require.Greater(t, len(png), 8, "PNG should be larger than header")
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderImage(t *testing.T) {
	for name, def := range map[string]*schema.ChainDefinition{
		"sequential":  sequentialChain(),
		"conditional": conditionalChain(),
		"parallel":    parallelChain(),
		"empty":       {},
	} {
		t.Run(name, func(t *testing.T) {
			model, err := Build(def, nil)
			require.NoError(t, err)

			png, err := RenderImage(context.Background(), model)
			require.NoError(t, err)
			assertPNG(t, png)
		})
	}
}

func TestRenderImageWithStatus(t *testing.T) {
	result := &schema.ChainResult{
		ChainID:    "etl",
		Mode:       schema.ModeSequential,
		Status:     schema.ChainStatusRunning,
		TotalSteps: 3,
		Steps: []schema.StepResult{
			{Index: 0, Target: "echo", Success: true, ExecutionTime: 0.1},
		},
	}

	model, err := Build(sequentialChain(), result)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	assertPNG(t, png)
}
