package roadgraph

import (
	"fmt"

	"github.com/paulmach/orb"
)

// GridNodeID names the node at column x, row y of a grid.
func GridNodeID(x, y int) NodeID {
	return NodeID(fmt.Sprintf("n_%d_%d", x, y))
}

// NewGrid builds a w x h Manhattan grid with two-way streets of the given
// block length. Nodes with three or more neighbours are signalized.
func NewGrid(w, h int, cell, speed float64) (*Graph, error) {
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("grid %dx%d: dimensions must be positive", w, h)
	}
	g := New()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			degree := 0
			if x > 0 {
				degree++
			}
			if x < w-1 {
				degree++
			}
			if y > 0 {
				degree++
			}
			if y < h-1 {
				degree++
			}
			g.AddNode(GridNodeID(x, y), orb.Point{float64(x) * cell, float64(y) * cell}, degree >= 3)
		}
	}

	link := func(a, b NodeID) error {
		if _, err := g.AddEdge(a, b, cell, speed); err != nil {
			return err
		}
		_, err := g.AddEdge(b, a, cell, speed)
		return err
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x+1 < w {
				if err := link(GridNodeID(x, y), GridNodeID(x+1, y)); err != nil {
					return nil, err
				}
			}
			if y+1 < h {
				if err := link(GridNodeID(x, y), GridNodeID(x, y+1)); err != nil {
					return nil, err
				}
			}
		}
	}
	return g, nil
}
