// Package snowflake issues time-ordered message ids for the development API.
// Ids sort in creation order, which the message table relies on as its
// clustering key.
package snowflake

import (
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

type Node struct {
	mu   sync.Mutex
	last int64
	node int64
	step int64
	now  func() int64
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, errors.Errorf("node number must be between 0 and %d", nodeMax)
	}
	return &Node{
		node: node,
		now:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Generate returns the next id. The clock going backwards reuses the last
// seen millisecond instead of producing a smaller id.
func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if now < n.last {
		now = n.last
	}

	if now == n.last {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.last {
				now = n.now()
			}
		}
	} else {
		n.step = 0
	}
	n.last = now

	return ((now - epoch) << timeShift) | (n.node << nodeShift) | n.step
}

func (n *Node) NextID() string {
	return strconv.FormatInt(n.Generate(), 10)
}

// Time recovers the creation time embedded in an id.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + epoch)
}
