package xslices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	in := []int{1, 2, 3, 4, 5}
	square := func(x int) string { return strconv.Itoa(x * x) }
	want := []string{"1", "4", "9", "16", "25"}
	assert.Equal(t, want, Map(in, square))
	assert.Equal(t, want, MapParallel(in, square))
	assert.Empty(t, MapParallel([]int{}, square))
}

func TestSliceFlag(t *testing.T) {
	f := &sliceFlag[int]{parsedSlice: []int{1}, parserFn: strconv.Atoi}
	assert.Equal(t, "1", f.String())
	require.NoError(t, f.Set("3, 5,7"))
	assert.Equal(t, []int{3, 5, 7}, f.parsedSlice)
	assert.Equal(t, "3,5,7", f.String())

	// A parse error keeps the previous value.
	require.Error(t, f.Set("3,x"))
	assert.Equal(t, []int{3, 5, 7}, f.parsedSlice)

	require.NoError(t, f.Set(""))
	assert.Empty(t, f.parsedSlice)
}
