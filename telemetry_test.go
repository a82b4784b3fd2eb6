package tandem

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/pslog"
)

func TestParseOTLPEndpoint(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:9000", otlpTarget{protocol: "grpc", endpoint: "collector:9000", insecure: true}},
		{"grpcs://otel.example.com", otlpTarget{protocol: "grpc", endpoint: "otel.example.com:4317"}},
		{"http://localhost", otlpTarget{protocol: "http", endpoint: "localhost:4318", insecure: true}},
		{"HTTPS://otel.example.com:443/v1/traces/", otlpTarget{protocol: "http", endpoint: "otel.example.com:443", path: "/v1/traces"}},
	}
	for _, tc := range cases {
		got, err := parseOTLPEndpoint(tc.raw)
		if err != nil {
			t.Fatalf("parseOTLPEndpoint(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("parseOTLPEndpoint(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
	for _, raw := range []string{"", "ftp://collector", "grpc://"} {
		if _, err := parseOTLPEndpoint(raw); err == nil {
			t.Fatalf("parseOTLPEndpoint(%q) expected error", raw)
		}
	}
}

func TestTelemetryBundleShutdownReverseOrder(t *testing.T) {
	bundle := &telemetryBundle{logger: pslog.NoopLogger()}
	var order []string
	bundle.add("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	bundle.add("second", func(context.Context) error {
		order = append(order, "second")
		return errors.New("boom")
	})
	err := bundle.Shutdown(context.Background())
	if err == nil {
		t.Fatalf("expected joined shutdown error")
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Fatalf("shutdown order %v", order)
	}
}

func TestSetupTelemetryServesMetrics(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), telemetryConfig{MetricsListen: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := bundle.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
