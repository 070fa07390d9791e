// Package ids generates the identifiers used across the module: UUIDv4 for
// identities, token ids and token families, KSUID for verification codes and
// snowflake ids for session rows.
package ids

import (
	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Generator is safe for concurrent use.
type Generator struct {
	node *snowflake.Node
}

// New builds a generator for the given snowflake node (0-1023). An invalid
// node falls back to KSUIDs for session ids.
func New(node int64) *Generator {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return &Generator{}
	}
	return &Generator{node: n}
}

// UUID returns a random UUID string.
func (g *Generator) UUID() string {
	return uuid.NewString()
}

// KSUID returns a time-ordered KSUID string.
func (g *Generator) KSUID() string {
	return ksuid.New().String()
}

// Snowflake returns a snowflake id, or a KSUID when no node is configured.
func (g *Generator) Snowflake() string {
	if g.node == nil {
		return g.KSUID()
	}
	return g.node.Generate().String()
}
