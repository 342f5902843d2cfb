package quota

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Window 配额统计的滚动窗口
const Window = 24 * time.Hour

// Ledger 滚动 24 小时窗口内的 API 调用记录
// 上限是软限制，超出只影响日志，不阻止调用
type Ledger struct {
	mu    sync.Mutex
	clock clock.Clock
	limit int
	calls []time.Time
}

// NewLedger 创建配额账本
func NewLedger(clk clock.Clock, limit int) *Ledger {
	if clk == nil {
		clk = clock.New()
	}
	return &Ledger{clock: clk, limit: limit}
}

// Record 记录一次调用，返回记录后的剩余额度
func (l *Ledger) Record() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)
	l.calls = append(l.calls, now)
	return l.limit - len(l.calls)
}

// Remaining 剩余额度，超额时为负数
func (l *Ledger) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return l.limit - len(l.calls)
}

// Used 窗口内的调用次数
func (l *Ledger) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return len(l.calls)
}

// Limit 配额上限
func (l *Ledger) Limit() int {
	return l.limit
}

// Exhausted 额度是否已用完
func (l *Ledger) Exhausted() bool {
	return l.Remaining() <= 0
}

// prune 删除窗口外的记录，calls 按时间有序
func (l *Ledger) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}
