package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the Snowflake node with the given node ID.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a new time-ordered int64 ID. Presence connections use it as
// their connection id so log lines from one socket lifetime can be grouped.
func New() int64 {
	return node.Generate().Int64()
}

// NewOrZero is New for callers that may run before Init (library embedders,
// tests). It returns 0 instead of panicking.
func NewOrZero() int64 {
	if node == nil {
		return 0
	}
	return node.Generate().Int64()
}
