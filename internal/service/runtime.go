package service

import (
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/d60-Lab/search-projector/internal/metrics"
	"github.com/d60-Lab/search-projector/pkg/clock"
	"github.com/d60-Lab/search-projector/pkg/reporter"
)

const tracerName = "github.com/d60-Lab/search-projector"

// Runtime 进程级依赖，启动时构建并显式传递
type Runtime struct {
	Logger   *zap.Logger
	Tracer   trace.Tracer
	Metrics  *metrics.Metrics
	Clock    clock.Clock
	Reporter reporter.Reporter
}

// NewRuntime 以 nil 参数构建时使用无副作用的默认实现
func NewRuntime(log *zap.Logger, tp trace.TracerProvider, m *metrics.Metrics, clk clock.Clock, rep reporter.Reporter) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	if m == nil {
		m = metrics.New()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if rep == nil {
		rep = reporter.Nop{}
	}
	return &Runtime{Logger: log, Tracer: tp.Tracer(tracerName), Metrics: m, Clock: clk, Reporter: rep}
}
