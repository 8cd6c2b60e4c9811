// Package snowflake 生成房間 ID 與引擎 run ID
//
// ID 結構（64 bit）：
//
//	1 bit | 41 bit 毫秒時間戳 | 10 bit 節點 ID | 12 bit 序列號
//
// 多個大廳節點共用同一個 Redis 時，節點 ID 必須不同，
// 否則兩個節點可能在同一毫秒給新房間相同的 ID。
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// epoch 2025-01-01 00:00:00 UTC
	epoch int64 = 1735689600000

	nodeBits     = 10
	sequenceBits = 12

	maxNode     = (1 << nodeBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	nodeShift = sequenceBits
	timeShift = sequenceBits + nodeBits
)

var (
	// ErrInvalidNode 節點 ID 超出範圍
	ErrInvalidNode = errors.New("node id must be between 0 and 1023")
	// ErrClockMovedBackwards 時鐘回撥
	ErrClockMovedBackwards = errors.New("clock moved backwards")
)

// Generator 單節點 ID 生成器，並發安全
type Generator struct {
	mu       sync.Mutex
	node     int64
	sequence int64
	lastMs   int64
	now      func() int64
}

// NewGenerator 創建生成器
func NewGenerator(node int64) (*Generator, error) {
	if node < 0 || node > maxNode {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidNode, node)
	}
	return &Generator{
		node: node,
		now:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Next 生成下一個 ID
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now()
	if ms < g.lastMs {
		return 0, fmt.Errorf("%w: last=%d current=%d", ErrClockMovedBackwards, g.lastMs, ms)
	}

	if ms == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 本毫秒序列號用盡
			for ms <= g.lastMs {
				time.Sleep(10 * time.Microsecond)
				ms = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = ms

	return ((ms - epoch) << timeShift) | (g.node << nodeShift) | g.sequence, nil
}

// Parse 拆解 ID
func Parse(id int64) (ts time.Time, node int64, sequence int64) {
	sequence = id & maxSequence
	node = (id >> nodeShift) & maxNode
	ts = time.UnixMilli((id >> timeShift) + epoch)
	return ts, node, sequence
}
