package validator

import (
	"sync"
	"time"
)

// seenOrder 记录一次已通过校验的提交，用于重复检测。
type seenOrder struct {
	symbol string
	side   string
	qty    float64
	at     time.Time
}

// slidingWindows 维护重复检测与频率限制两个时间窗口。
// 并发提交下的修剪在互斥锁内完成，不会丢失窗口内的记录。
type slidingWindows struct {
	mu          sync.Mutex
	dupWindow   time.Duration
	rateWindow  time.Duration
	seen        []seenOrder
	submissions []time.Time
}

func newSlidingWindows(dupWindow time.Duration) *slidingWindows {
	return &slidingWindows{
		dupWindow:  dupWindow,
		rateWindow: time.Minute,
	}
}

// isDuplicate 判断 (symbol, side, qty) 是否在窗口内出现过。
func (w *slidingWindows) isDuplicate(symbol, side string, qty float64, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)

	for _, s := range w.seen {
		if s.symbol == symbol && s.side == side && s.qty == qty {
			return true
		}
	}
	return false
}

// submissionCount 返回最近一分钟内通过校验的提交数。
func (w *slidingWindows) submissionCount(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	return len(w.submissions)
}

// record 在校验通过后登记一次提交。
func (w *slidingWindows) record(symbol, side string, qty float64, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	w.seen = append(w.seen, seenOrder{symbol: symbol, side: side, qty: qty, at: now})
	w.submissions = append(w.submissions, now)
}

func (w *slidingWindows) pruneLocked(now time.Time) {
	dupCutoff := now.Add(-w.dupWindow)
	kept := w.seen[:0]
	for _, s := range w.seen {
		if s.at.After(dupCutoff) {
			kept = append(kept, s)
		}
	}
	w.seen = kept

	rateCutoff := now.Add(-w.rateWindow)
	keptSubs := w.submissions[:0]
	for _, t := range w.submissions {
		if t.After(rateCutoff) {
			keptSubs = append(keptSubs, t)
		}
	}
	w.submissions = keptSubs
}
