// internal/pkg/snowflake/generator.go
package snowflake

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ID 结构 (64 bits):
//   1 bit 符号位(恒0) | 41 bits 毫秒时间戳 | 5 bits 数据中心 | 5 bits 机器 | 12 bits 序列号
const (
	epoch = int64(1609459200000) // 2021-01-01 00:00:00 UTC

	workerIDBits     = 5
	datacenterIDBits = 5
	sequenceBits     = 12

	maxWorkerID     = -1 ^ (-1 << workerIDBits)
	maxDatacenterID = -1 ^ (-1 << datacenterIDBits)
	maxSequence     = -1 ^ (-1 << sequenceBits)

	workerIDShift     = sequenceBits
	datacenterIDShift = sequenceBits + workerIDBits
	timestampShift    = sequenceBits + workerIDBits + datacenterIDBits
)

// ErrClockMovedBackwards 表示本机时钟发生了回拨。
// 回拨期间继续发号会产生重复或乱序的 ID，必须由调用方决定重试或告警。
var ErrClockMovedBackwards = errors.New("clock moved backwards, refusing to generate id")

// Generator 是一个进程内唯一的发号器。
// 可变状态（sequence / lastTimestamp）由互斥锁保护，不暴露任何全局变量。
type Generator struct {
	mu sync.Mutex

	workerID     int64
	datacenterID int64

	sequence      int64
	lastTimestamp int64

	// 可替换的时钟源，测试时注入
	now func() int64
}

// NewGenerator 创建一个发号器实例。workerID 和 datacenterID 取值范围均为 [0, 31]。
func NewGenerator(workerID, datacenterID int64) (*Generator, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("worker id must be between 0 and %d, got %d", maxWorkerID, workerID)
	}
	if datacenterID < 0 || datacenterID > maxDatacenterID {
		return nil, fmt.Errorf("datacenter id must be between 0 and %d, got %d", maxDatacenterID, datacenterID)
	}
	return &Generator{
		workerID:      workerID,
		datacenterID:  datacenterID,
		lastTimestamp: -1,
		now: func() int64 {
			return time.Now().UnixMilli()
		},
	}, nil
}

// NextID 生成下一个全局唯一、大致按时间有序的 ID。
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := g.now()
	if timestamp < g.lastTimestamp {
		return 0, errors.Wrapf(ErrClockMovedBackwards,
			"last=%d now=%d", g.lastTimestamp, timestamp)
	}

	if timestamp == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 当前毫秒的序列号用尽，自旋等待下一毫秒
			for timestamp <= g.lastTimestamp {
				timestamp = g.now()
			}
		}
	} else {
		g.sequence = 0
	}

	g.lastTimestamp = timestamp

	id := ((timestamp - epoch) << timestampShift) |
		(g.datacenterID << datacenterIDShift) |
		(g.workerID << workerIDShift) |
		g.sequence
	return id, nil
}
