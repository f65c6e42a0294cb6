// Package idgen issues external ids for citizen submissions.
package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator wraps a snowflake node. Ids are time ordered and unique per
// node, so collisions with stored ids only come from source-assigned ids.
type Generator struct {
	node *snowflake.Node
}

// New returns a generator for node, which must be in [0, 1023].
func New(node int64) (*Generator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", node, err)
	}
	return &Generator{node: n}, nil
}

func (g *Generator) NextID() int64 {
	return g.node.Generate().Int64()
}
