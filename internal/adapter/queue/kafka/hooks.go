package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.opentelemetry.io/otel"
)

// ObservabilityHooks returns the client hooks every kgo client in the
// process carries: trace propagation through record headers and
// client-level transport metrics under the given namespace.
//
// kprom registers its collectors with the default registerer at call time,
// so each client needs its own namespace.
func ObservabilityHooks(namespace string) []kgo.Hook {
	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	k := kotel.NewKotel(kotel.WithTracer(tracer))
	metrics := kprom.NewMetrics(namespace,
		kprom.Registerer(prometheus.DefaultRegisterer),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes))
	hooks := append([]kgo.Hook{}, k.Hooks()...)
	return append(hooks, metrics)
}
