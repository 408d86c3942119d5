package scheduler

import (
	"github.com/paladin-labs/paladin-core/common/prque"
	"github.com/paladin-labs/paladin-core/core/types"
)

// NewContainer constructs the priority container Schedule drains, ordered
// by descending transaction priority.
func NewContainer() *prque.Prque[int64, *types.Transaction] {
	return prque.New[int64, *types.Transaction](nil)
}

// Insert pushes tx into c keyed by its own priority.
func Insert(c *prque.Prque[int64, *types.Transaction], tx *types.Transaction) {
	c.Push(tx, int64(tx.Priority()))
}
