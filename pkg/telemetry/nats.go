package telemetry

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/koopa0/system-design/14-checkers-matchmaking"

// HeaderCarrier 讓 nats.Header 實作 propagation.TextMapCarrier
type HeaderCarrier struct {
	Header nats.Header
}

func (c HeaderCarrier) Get(key string) string { return c.Header.Get(key) }

func (c HeaderCarrier) Set(key, value string) { c.Header.Set(key, value) }

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Tracer 本服務的 tracer（未啟用遙測時為 noop）
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// InjectContext 把 ctx 的追蹤資訊寫入新的 nats.Header
func InjectContext(ctx context.Context) nats.Header {
	h := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier{Header: h})
	return h
}

// ExtractContext 從訊息標頭取出追蹤資訊
func ExtractContext(ctx context.Context, header nats.Header) context.Context {
	if header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier{Header: header})
}

// StartClientSpan 發出 request 前建立 CLIENT span，回傳帶追蹤標頭的訊息
func StartClientSpan(ctx context.Context, subject string, data []byte) (context.Context, trace.Span, *nats.Msg) {
	ctx, span := Tracer().Start(ctx, subject+" request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
			attribute.Int("messaging.message.body.size", len(data)),
		),
	)
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  InjectContext(ctx),
	}
	return ctx, span, msg
}

// StartServerSpan 處理 request 時建立 SERVER span，延續發送端的追蹤
func StartServerSpan(ctx context.Context, msg *nats.Msg, name string) (context.Context, trace.Span) {
	ctx = ExtractContext(ctx, msg.Header)
	return Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject),
		),
	)
}
