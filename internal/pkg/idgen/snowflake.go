// Package idgen issues identifiers: Snowflake IDs for stored entities and
// ULIDs for outbound messages.
package idgen

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
)

const defaultNode = 1

var (
	mu     sync.Mutex
	node   *snowflake.Node
	nodeID int64
)

// Initialize binds the generator to a node. Calling it again with the same
// node is a no-op; switching nodes after IDs were issued is an error.
func Initialize(id int64) error {
	mu.Lock()
	defer mu.Unlock()

	if node != nil {
		if id != nodeID {
			return fmt.Errorf("idgen: already running as node %d", nodeID)
		}
		return nil
	}
	n, err := snowflake.NewNode(id)
	if err != nil {
		return fmt.Errorf("idgen: node %d: %w", id, err)
	}
	node, nodeID = n, id
	return nil
}

// GenerateID returns a new Snowflake ID in decimal. Without Initialize the
// generator runs as node 1.
func GenerateID() string {
	mu.Lock()
	if node == nil {
		node, _ = snowflake.NewNode(defaultNode)
		nodeID = defaultNode
	}
	n := node
	mu.Unlock()
	return n.Generate().String()
}
