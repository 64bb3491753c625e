package responder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ehrlich-b/a2alive/internal/metrics"
)

// Canned replies used when generation fails or comes back empty.
const (
	DefaultFallback = "좋은 질문이야. '%s'를 한 줄로 요약하면, 인간은 완전한 자유보다는 조건 속의 선택을 통해 책임을 만들어간다고 볼 수 있어."
	DefaultEmpty    = "질문(%s)에 대해 답변을 생성하지 못했어."
)

// Fallback wraps a Generator so that it never fails: each call is bounded by
// Timeout, errors produce the Failed text and empty replies the Empty text.
// Both are fmt templates with one %s for the inbound text.
type Fallback struct {
	Inner   Generator
	Timeout time.Duration
	Failed  string
	Empty   string
	Logger  *slog.Logger
}

// WithFallback wraps g with the default canned replies.
func WithFallback(g Generator, timeout time.Duration) *Fallback {
	return &Fallback{
		Inner:   g,
		Timeout: timeout,
		Failed:  DefaultFallback,
		Empty:   DefaultEmpty,
		Logger:  slog.Default(),
	}
}

// Generate always returns a non-empty reply and a nil error.
func (f *Fallback) Generate(ctx context.Context, req Request) (string, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := f.generate(ctx, req)
	if err != nil {
		metrics.GenerateDuration.WithLabelValues("fallback").Observe(time.Since(start).Seconds())
		f.logger().Warn("reply generation failed, using fallback",
			"session", req.SessionID, "thread", req.ThreadID, "err", err)
		return fmt.Sprintf(f.Failed, req.Text), nil
	}
	metrics.GenerateDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	if text == "" {
		return fmt.Sprintf(f.Empty, req.Text), nil
	}
	return text, nil
}

// generate runs the inner generator but gives up as soon as ctx is done, even
// if the generator itself ignores cancellation.
func (f *Fallback) generate(ctx context.Context, req Request) (string, error) {
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("generator panic: %v", r)}
			}
		}()
		text, err := f.Inner.Generate(ctx, req)
		ch <- result{text, err}
	}()
	select {
	case r := <-ch:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *Fallback) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}
