package store

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// keyWidth is wide enough for any positive int64, so zero-padded keys sort
// lexically in numeric order.
const keyWidth = 20

// keyGenerator hands out child keys for AppendUnique. Snowflake IDs embed
// the millisecond, the node and a per-node sequence, so keys from one node
// never repeat and keys across nodes are ordered by time.
type keyGenerator struct {
	node *snowflake.Node
}

func newKeyGenerator(nodeID int64) (*keyGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("creating key generator for node %d: %w", nodeID, err)
	}
	return &keyGenerator{node: node}, nil
}

// Next returns a new key.
func (g *keyGenerator) Next() string {
	return fmt.Sprintf("%0*d", keyWidth, g.node.Generate().Int64())
}
