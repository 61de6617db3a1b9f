// Package admission 在请求进入编排流程之前做限流与输入清洗。
package admission

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"nutri-advisor-go/internal/config"
)

// Decision 是一次准入判断的结果。RetryAfter 只在拒绝时有意义。
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter 对 key 执行原子的“计数并判断”。
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Ping(ctx context.Context) error
}

// MemoryLimiter 是单进程的滑动窗口日志限流器，每个 key 保存窗口内的请求时间。
type MemoryLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	logs   map[string]*list.List
	calls  int
	now    func() time.Time
}

// NewMemoryLimiter 创建内存限流器。
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:  limit,
		window: window,
		logs:   make(map[string]*list.List),
		now:    time.Now,
	}
}

// WithClock 替换时钟，测试使用。
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.calls++
	if l.calls%1024 == 0 {
		l.sweep(now)
	}

	entries, ok := l.logs[key]
	if !ok {
		entries = list.New()
		l.logs[key] = entries
	}
	prune(entries, now.Add(-l.window))

	if entries.Len() < l.limit {
		entries.PushBack(now)
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - entries.Len()}, nil
	}
	oldest := entries.Front().Value.(time.Time)
	return Decision{
		Allowed:    false,
		Limit:      l.limit,
		RetryAfter: oldest.Add(l.window).Sub(now),
	}, nil
}

func (l *MemoryLimiter) Ping(context.Context) error { return nil }

// prune 删除早于 cutoff 的请求时间。
func prune(entries *list.List, cutoff time.Time) {
	for e := entries.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).After(cutoff) {
			break
		}
		entries.Remove(e)
		e = next
	}
}

// sweep 清理已经空闲的 key。
func (l *MemoryLimiter) sweep(now time.Time) {
	cutoff := now.Add(-l.window)
	for key, entries := range l.logs {
		prune(entries, cutoff)
		if entries.Len() == 0 {
			delete(l.logs, key)
		}
	}
}

// NewLimiter 按配置选择实现。backend 为 redis 但 rdb 为 nil 时退回内存实现。
func NewLimiter(cfg config.AdmissionConfig, rdb RedisScripter) Limiter {
	limit := cfg.Limit
	if limit <= 0 {
		limit = 30
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	if strings.EqualFold(cfg.Backend, "redis") && rdb != nil {
		return NewRedisLimiter(rdb, cfg.KeyPrefix, limit, window)
	}
	return NewMemoryLimiter(limit, window)
}
