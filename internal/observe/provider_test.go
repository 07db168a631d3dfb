package observe

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestNewResource_DescribesRelay(t *testing.T) {
	t.Parallel()

	res, err := NewResource(context.Background(), ProviderConfig{
		ServiceVersion: "v1.2.3",
		Upstreams:      []string{"openai-realtime", "gemini-live"},
	})
	if err != nil {
		t.Fatalf("NewResource: %v", err)
	}
	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		"service.name":         "voicerelay",
		"service.version":      "v1.2.3",
		"voicerelay.upstreams": `["openai-realtime","gemini-live"]`,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestNewResource_NoUpstreams(t *testing.T) {
	t.Parallel()

	res, err := NewResource(context.Background(), ProviderConfig{ServiceName: "relay-eu"})
	if err != nil {
		t.Fatalf("NewResource: %v", err)
	}
	if v, ok := res.Set().Value("service.name"); !ok || v.AsString() != "relay-eu" {
		t.Errorf("service.name = %v", v.Emit())
	}
	if _, ok := res.Set().Value(ResourceUpstreams); ok {
		t.Error("upstreams attribute set without upstreams")
	}
}

// Not parallel: installs the OTel globals.
func TestInitProvider_ExportsRelayMetricsToPrometheus(t *testing.T) {
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})

	reg := prometheus.NewRegistry()
	tel, err := InitProvider(context.Background(), ProviderConfig{
		Upstreams:  []string{"openai-realtime"},
		Registerer: reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	if otel.GetTracerProvider() != tel.TracerProvider {
		t.Error("tracer provider not installed globally")
	}

	m, err := NewMetrics(tel.MeterProvider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordCommit(context.Background(), "vad")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var sawTarget, sawCommit bool
	for _, mf := range families {
		switch mf.GetName() {
		case "target_info":
			for _, l := range mf.GetMetric()[0].GetLabel() {
				if l.GetName() == "service_name" && l.GetValue() == "voicerelay" {
					sawTarget = true
				}
			}
		default:
			if len(mf.GetMetric()) > 0 && mf.GetMetric()[0].GetCounter() != nil &&
				mf.GetMetric()[0].GetCounter().GetValue() == 1 {
				sawCommit = true
			}
		}
	}
	if !sawTarget {
		t.Error("target_info lacks service_name=voicerelay")
	}
	if !sawCommit {
		t.Error("commit counter not exported")
	}
}
