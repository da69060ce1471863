// Package reporter 把终态失败与恢复的 panic 上报到 Sentry
package reporter

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter 错误上报
type Reporter interface {
	CaptureError(ctx context.Context, err error, tags map[string]string)
	Flush(timeout time.Duration)
}

// Nop 不上报
type Nop struct{}

func (Nop) CaptureError(context.Context, error, map[string]string) {}
func (Nop) Flush(time.Duration)                                    {}

type sentryReporter struct {
	hub *sentry.Hub
}

// NewSentry dsn 为空时返回 Nop
func NewSentry(dsn, release string) (Reporter, error) {
	if dsn == "" {
		return Nop{}, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          release,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, err
	}
	return NewSentryWithClient(client), nil
}

// NewSentryWithClient 使用已有 client（测试可注入自定义 Transport）
func NewSentryWithClient(client *sentry.Client) Reporter {
	return &sentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}
}

func (r *sentryReporter) CaptureError(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := r.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		scope.SetContext("trace", sentry.Context{"source": "outbox"})
		hub.CaptureException(err)
	})
}

func (r *sentryReporter) Flush(timeout time.Duration) { r.hub.Flush(timeout) }
