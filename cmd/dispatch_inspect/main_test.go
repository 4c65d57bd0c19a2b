package main

import (
	"testing"

	"github.com/gomlx/opdispatch/pkg/dispatch"
	"github.com/gomlx/opdispatch/pkg/refops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectOperators(t *testing.T) {
	d := dispatch.New(dispatch.WithName(t.Name()), dispatch.WithWarnOnOverride(false))
	ops, err := refops.Register(d)
	require.NoError(t, err)
	defer ops.Release()
	defer func(previous string) { *flagOps = previous }(*flagOps)

	*flagOps = ""
	assert.Len(t, selectOperators(d), len(d.ListAllOperators()))

	// Unknown names are only reported, and selection follows name order.
	*flagOps = " ref::sub,ref::add ,ref::unknown"
	var names []string
	for _, op := range selectOperators(d) {
		names = append(names, op.OperatorName().String())
	}
	assert.Equal(t, []string{"ref::add", "ref::sub"}, names)
}
