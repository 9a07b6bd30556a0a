package change

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/durability-core/pkg/core"
)

func TestFlatten_NestedObject(t *testing.T) {
	state := map[string]any{
		"a": float64(1),
		"b": map[string]any{
			"c": float64(2),
			"d": map[string]any{"e": "x"},
		},
	}
	flat, err := Flatten(state)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"a":     float64(1),
		"b.c":   float64(2),
		"b.d.e": "x",
	}, flat)
}

func TestFlatten_ArrayIsOpaqueLeaf(t *testing.T) {
	state := map[string]any{
		"tags": []any{"x", "y", "z"},
	}
	flat, err := Flatten(state)
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y", "z"}, flat["tags"])
}

func TestFlatten_DetectsCycle(t *testing.T) {
	inner := map[string]any{}
	outer := map[string]any{"self": inner}
	inner["loop"] = outer

	_, err := Flatten(outer)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCyclicState))
}

func TestDetector_DiffAddedRemovedChanged(t *testing.T) {
	d := NewDetector(4)

	first, err := d.Diff("s1", map[string]any{"a": float64(1), "b": float64(2)})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, first.AddedFields)

	second, err := d.Diff("s1", map[string]any{"a": float64(1), "b": float64(3), "c": float64(4)})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, second.AddedFields)
	assert.Empty(t, second.RemovedFields)
	assert.Equal(t, []string{"b"}, second.ChangedFields)
	assert.Equal(t, 2, second.TotalChanges)
}

func TestDetector_DiffRemovedField(t *testing.T) {
	d := NewDetector(4)
	_, err := d.Diff("s1", map[string]any{"a": float64(1), "b": float64(2)})
	require.NoError(t, err)

	diff, err := d.Diff("s1", map[string]any{"a": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, diff.RemovedFields)
	assert.Equal(t, 1, diff.TotalChanges)
}

func TestDetector_ChangePercentageOver70(t *testing.T) {
	d := NewDetector(4)
	base := map[string]any{}
	for i := 0; i < 10; i++ {
		base[string(rune('a'+i))] = float64(i)
	}
	_, err := d.Diff("s2", base)
	require.NoError(t, err)

	churned := map[string]any{}
	for k, v := range base {
		churned[k] = v
	}
	for i := 0; i < 8; i++ {
		churned[string(rune('a'+i))] = float64(100 + i)
	}

	diff, err := d.Diff("s2", churned)
	require.NoError(t, err)
	assert.Greater(t, diff.ChangePercentage, 70.0)
}

func TestDetector_PeekAndForget(t *testing.T) {
	d := NewDetector(4)
	_, ok := d.Peek("s3")
	assert.False(t, ok)

	_, err := d.Diff("s3", map[string]any{"a": float64(1)})
	require.NoError(t, err)

	snap, ok := d.Peek("s3")
	assert.True(t, ok)
	assert.Equal(t, float64(1), snap["a"])

	d.Forget("s3")
	_, ok = d.Peek("s3")
	assert.False(t, ok)
}
