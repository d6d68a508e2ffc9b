package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopExecutor() Executor {
	return ExecutorFunc(func(_ context.Context, _ Inputs) (Result, error) {
		return Result{Data: []byte("ok")}, nil
	})
}

func TestBuild_ValidDAG(t *testing.T) {
	t.Parallel()

	reg := NewRegistry().
		Register(StageSpec{ID: "a", Executor: noopExecutor()}).
		Register(StageSpec{ID: "b", Executor: noopExecutor()}).
		Register(StageSpec{ID: "c", DependsOn: []string{"a", "b"}, Executor: noopExecutor()})

	g, err := Build(reg)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []string{"a", "b", "c"}, g.StageIDs())
}

func TestBuild_CycleIsFatal(t *testing.T) {
	t.Parallel()

	reg := NewRegistry().
		Register(StageSpec{ID: "a", DependsOn: []string{"c"}, Executor: noopExecutor()}).
		Register(StageSpec{ID: "b", DependsOn: []string{"a"}, Executor: noopExecutor()}).
		Register(StageSpec{ID: "c", DependsOn: []string{"b"}, Executor: noopExecutor()})

	_, err := Build(reg)
	require.Error(t, err)
	var ge *GraphError
	require.ErrorAs(t, err, &ge)
	assert.Contains(t, ge.Error(), "cycle")
}

func TestBuild_SelfDependency(t *testing.T) {
	t.Parallel()

	reg := NewRegistry().
		Register(StageSpec{ID: "a", DependsOn: []string{"a"}, Executor: noopExecutor()})
	_, err := Build(reg)
	var ge *GraphError
	require.ErrorAs(t, err, &ge)
}

func TestBuild_UnresolvedDependency(t *testing.T) {
	t.Parallel()

	reg := NewRegistry().
		Register(StageSpec{ID: "a", DependsOn: []string{"ghost"}, Executor: noopExecutor()})
	_, err := Build(reg)
	var ge *GraphError
	require.ErrorAs(t, err, &ge)
	assert.Contains(t, ge.Error(), "ghost")
}

func TestBuild_DuplicateID(t *testing.T) {
	t.Parallel()

	reg := NewRegistry().
		Register(StageSpec{ID: "a", Executor: noopExecutor()}).
		Register(StageSpec{ID: "a", Executor: noopExecutor()})
	_, err := Build(reg)
	var ge *GraphError
	require.ErrorAs(t, err, &ge)
	assert.Contains(t, ge.Error(), "duplicate")
}

func TestBuild_Empty(t *testing.T) {
	t.Parallel()

	_, err := Build(NewRegistry())
	var ge *GraphError
	require.ErrorAs(t, err, &ge)
}

func TestTopoOrder_RespectsDeclarationOrder(t *testing.T) {
	t.Parallel()

	// d declared before a, but depends on it; among ready stages the
	// declaration order decides.
	reg := NewRegistry().
		Register(StageSpec{ID: "d", DependsOn: []string{"a"}, Executor: noopExecutor()}).
		Register(StageSpec{ID: "a", Executor: noopExecutor()}).
		Register(StageSpec{ID: "b", Executor: noopExecutor()})

	g, err := Build(reg)
	require.NoError(t, err)

	ids := make([]string, 0, len(g.topo))
	for _, i := range g.topo {
		ids = append(ids, g.nodes[i].spec.ID)
	}
	assert.Equal(t, []string{"a", "b", "d"}, ids)
}

func TestRegistry_Lookup(t *testing.T) {
	t.Parallel()

	reg := NewRegistry().Register(StageSpec{ID: "extract", Executor: noopExecutor()})
	spec, ok := reg.Lookup("extract")
	require.True(t, ok)
	assert.Equal(t, "extract", spec.ID)

	_, ok = reg.Lookup("absent")
	assert.False(t, ok)
}
