package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainrun/pkg/schema"
)

func newFunc(name string, fn func(context.Context, Request) (any, error)) *Func {
	return &Func{PluginName: name, Spec: Schema{Description: name + " plugin"}, Fn: fn}
}

func okFunc(name string) *Func {
	return newFunc(name, func(context.Context, Request) (any, error) { return name, nil })
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(okFunc("alpha")))

	p, err := reg.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", p.Name())
	assert.True(t, reg.Has("alpha"))
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_RejectsDuplicatesAndEmpty(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(okFunc("alpha")))

	err := reg.Register(okFunc("alpha"))
	var ce *schema.ChainError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeConflict, ce.Code)

	err = reg.Register(okFunc(""))
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeValidation, ce.Code)

	require.Error(t, reg.Register(nil))
}

func TestRegistry_GetMissing(t *testing.T) {
	_, err := NewRegistry().Get("nope")
	var ce *schema.ChainError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodePluginUnavailable, ce.Code)
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(okFunc("zeta"), okFunc("alpha"), okFunc("mid"))

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "mid", infos[1].Name)
	assert.Equal(t, "zeta", infos[2].Name)
	assert.Equal(t, "alpha plugin", infos[0].Description)
}

func TestRegistry_PrefixedAndUnregister(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(okFunc("github"))

	n, err := reg.RegisterPrefixed("github", []Plugin{okFunc("create_issue"), okFunc("list_repos")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, reg.Has("github.create_issue"))

	p, err := reg.Get("github.list_repos")
	require.NoError(t, err)
	out, err := p.Invoke(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "list_repos", out)

	_, err = reg.RegisterPrefixed("github", []Plugin{okFunc("create_issue")})
	require.Error(t, err)

	_, err = reg.RegisterPrefixed("", nil)
	require.Error(t, err)

	assert.Equal(t, 2, reg.Unregister("github"))
	assert.True(t, reg.Has("github"), "unprefixed plugin survives")
	assert.Equal(t, 1, reg.Count())
}
