// Package retry 为外部调用提供有界重试，只对瞬时错误生效。
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/pkg/log"
)

// Policy 描述单次调用的超时与重试预算。MaxRetries 为首次调用之外的重试次数。
type Policy struct {
	Name           string
	AttemptTimeout time.Duration
	MaxRetries     int
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
}

// Do 执行 fn，遇到 model.IsTransient 为真的错误时按指数退避重试。
// 每次尝试使用独立的超时上下文，父上下文取消后立即返回。
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	b := &backoff.Backoff{
		Min:    p.MinBackoff,
		Max:    p.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}
	if b.Min <= 0 {
		b.Min = 100 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 2 * time.Second
	}

	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err = runAttempt(ctx, p.AttemptTimeout, fn)
		if err == nil {
			return nil
		}
		if !model.IsTransient(err) || attempt == p.MaxRetries || ctx.Err() != nil {
			return err
		}
		wait := b.Duration()
		log.Warnf("[Retry] %s 第 %d 次调用失败，%s 后重试: %v", p.Name, attempt+1, wait, err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
	}
	return err
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
