package tracing

import (
	"context"
	"fmt"

	"order_engine/pkg/logger"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	jCfg "github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics"
)

var (
	serviceName = "default"
)

func SetServiceName(newName string) string {
	oldName := serviceName
	serviceName = newName

	return oldName
}

type Config struct {
	Host        string
	Port        int
	SampleRatio float64
}

func InitTracer(conf Config) (opentracing.Tracer, func(), error) {
	sampler := &jCfg.SamplerConfig{
		Type:  "const",
		Param: 1,
	}
	if conf.SampleRatio > 0 && conf.SampleRatio < 1 {
		sampler = &jCfg.SamplerConfig{
			Type:  "probabilistic",
			Param: conf.SampleRatio,
		}
	}

	cfg := &jCfg.Configuration{
		ServiceName: serviceName,
		Sampler:     sampler,
		Reporter: &jCfg.ReporterConfig{
			LogSpans:           false,
			LocalAgentHostPort: fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		},
	}

	tracer, closer, err := cfg.NewTracer(
		jCfg.Metrics(metrics.NullFactory),
	)
	if err != nil {
		return nil, nil, err
	}

	opentracing.SetGlobalTracer(tracer)
	return tracer, func() {
		if err := closer.Close(); err != nil {
			logger.Error("Error closing Jaeger tracer: %v", err)
		}
	}, nil
}

// StartSpan opens a child span of whatever span ctx carries. With no tracer
// configured the global noop tracer is used.
func StartSpan(ctx context.Context, op string, tags map[string]any) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, op)
	for k, v := range tags {
		span.SetTag(k, v)
	}
	return span, ctx
}

// Finish closes span, flagging it as failed when err is set.
func Finish(span opentracing.Span, err error) {
	if err != nil {
		ext.Error.Set(span, true)
		span.LogKV("error", err.Error())
	}
	span.Finish()
}
