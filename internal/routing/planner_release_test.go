//go:build !debug

package routing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/trafficmesh/internal/invariant"
)

func TestCheckRouteRefusesDisallowedEdge(t *testing.T) {
	p, g := newGridPlanner(t, 3, 3)
	r, err := p.FindRoute(n(0, 0), n(2, 0), Options{})
	require.NoError(t, err)
	assert.NoError(t, p.checkRoute(r))

	_, err = g.SetAllowed(r.Edges[1], false)
	require.NoError(t, err)
	err = p.checkRoute(r)
	assert.True(t, errors.Is(err, invariant.ErrViolation))
	assert.ErrorContains(t, err, "uses a disallowed edge")
}
