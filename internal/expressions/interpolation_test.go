package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolate_WholeValueKeepsType(t *testing.T) {
	scope := map[string]any{"step_0_result": map[string]any{"id": 42}}

	out, err := Interpolate("${{ step_0_result.id }}", scope)
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	out, err = Interpolate("${{step_0_result}}", scope)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": 42}, out)
}

func TestInterpolate_EmbeddedReferences(t *testing.T) {
	scope := map[string]any{"step_0_result": "alpha", "step_1_success": true}

	out, err := Interpolate("got ${{ step_0_result }} (ok=${{ step_1_success }})", scope)
	require.NoError(t, err)
	assert.Equal(t, "got alpha (ok=true)", out)
}

func TestInterpolate_WalksContainers(t *testing.T) {
	scope := map[string]any{"step_0_result": "v"}
	in := map[string]any{
		"list":  []any{"${{ step_0_result }}", 7},
		"plain": "no refs",
	}

	out, err := Interpolate(in, scope)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"list": []any{"v", 7}, "plain": "no refs"}, out)
	assert.Equal(t, "${{ step_0_result }}", in["list"].([]any)[0], "input must not be mutated")
}

func TestInterpolate_Errors(t *testing.T) {
	scope := map[string]any{"step_0_result": "flat"}

	for _, in := range []string{
		"${{ missing }}",
		"${{ step_0_result.deeper }}",
		"x ${{ step_0_result",
		"${{ }}",
	} {
		_, err := Interpolate(in, scope)
		assert.Error(t, err, in)
	}
}
