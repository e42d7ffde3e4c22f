package otel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Enabled {
		t.Error("expected Enabled to be false by default")
	}
	if cfg.ServiceName != "lablink" {
		t.Errorf("expected ServiceName 'lablink', got %q", cfg.ServiceName)
	}
	if cfg.ExporterType != ExporterNone {
		t.Errorf("expected ExporterType 'none', got %q", cfg.ExporterType)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected SampleRate 1.0, got %f", cfg.SampleRate)
	}
}

func TestNewTracerDisabled(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil_config", nil},
		{"default_config", DefaultConfig()},
		{"enabled_but_no_exporter", &Config{Enabled: true, ServiceName: "lablink", ExporterType: ExporterNone}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, err := NewTracer(ctx, tt.cfg)
			if err != nil {
				t.Fatalf("NewTracer failed: %v", err)
			}
			defer tracer.Shutdown(ctx)

			if tracer.Enabled() {
				t.Error("expected tracer to be disabled")
			}

			spanCtx, span := tracer.StartSpan(ctx, "probe")
			defer span.End()

			if spanCtx == nil {
				t.Error("expected non-nil context")
			}
			if span.IsRecording() {
				t.Error("disabled tracer produced a recording span")
			}
		})
	}
}

func TestNewTracerStdout(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		Enabled:      true,
		ServiceName:  "lablink-test",
		ExporterType: ExporterStdout,
		SampleRate:   1.0,
	}

	tracer, err := NewTracer(ctx, cfg)
	if err != nil {
		t.Fatalf("NewTracer with stdout exporter failed: %v", err)
	}
	defer tracer.Shutdown(ctx)

	if !tracer.Enabled() {
		t.Error("expected tracer to be enabled")
	}
}

func TestNewTracerUnknownExporter(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		Enabled:      true,
		ServiceName:  "lablink-test",
		ExporterType: ExporterType("udp-multicast"),
		SampleRate:   1.0,
	}

	tracer, err := NewTracer(ctx, cfg)
	if err == nil {
		t.Fatal("expected an error for an unknown exporter type")
	}
	if tracer != nil {
		t.Error("expected nil tracer on exporter error")
	}
}

func TestStartOperationSpan(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		Enabled:      true,
		ServiceName:  "lablink-test",
		ExporterType: ExporterStdout,
		SampleRate:   1.0,
	}

	tracer, err := NewTracer(ctx, cfg)
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tracer.Shutdown(ctx)

	opts := OperationSpanOptions{
		EquipmentID:   "eq_3f9a12bc",
		EquipmentType: "power_supply",
		SessionID:     "sess-41",
		Operation:     "set_voltage",
	}

	spanCtx, span := tracer.StartOperationSpan(ctx, opts)
	defer span.End()

	if spanCtx == nil {
		t.Error("expected non-nil context")
	}
	if !span.IsRecording() {
		t.Error("expected a recording span from an enabled tracer")
	}

	// Optional fields may be empty; the span must still start.
	_, bare := tracer.StartOperationSpan(ctx, OperationSpanOptions{
		EquipmentID: "eq_3f9a12bc",
		Operation:   "get_readings",
	})
	defer bare.End()
	if !bare.IsRecording() {
		t.Error("expected a recording span without optional attributes")
	}
}

func TestStartOperationSpanDisabled(t *testing.T) {
	ctx := context.Background()
	tracer := NoopTracer()

	_, span := tracer.StartOperationSpan(ctx, OperationSpanOptions{
		EquipmentID: "eq_dead",
		Operation:   "reset",
	})
	defer span.End()

	if span.IsRecording() {
		t.Error("noop tracer produced a recording span")
	}
}

func TestRecordError(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		Enabled:      true,
		ServiceName:  "lablink-test",
		ExporterType: ExporterStdout,
		SampleRate:   1.0,
	}

	tracer, err := NewTracer(ctx, cfg)
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tracer.Shutdown(ctx)

	_, span := tracer.StartSpan(ctx, "probe")
	defer span.End()

	RecordError(span, errors.New("instrument timeout"), "timeout")

	// Nil span and nil error are both no-ops.
	RecordError(nil, errors.New("ignored"), "timeout")
	RecordError(span, nil, "timeout")
}

func TestSamplerConfigurations(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		sampleRate float64
	}{
		{"always_sample", 1.0},
		{"never_sample", 0.0},
		{"half_sample", 0.5},
		{"above_one", 1.5},
		{"below_zero", -0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Enabled:      true,
				ServiceName:  "lablink-test",
				ExporterType: ExporterStdout,
				SampleRate:   tt.sampleRate,
			}

			tracer, err := NewTracer(ctx, cfg)
			if err != nil {
				t.Fatalf("NewTracer failed: %v", err)
			}
			defer tracer.Shutdown(ctx)

			if !tracer.Enabled() {
				t.Error("expected tracer to be enabled")
			}
		})
	}
}

func TestPropagatorRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		Enabled:      true,
		ServiceName:  "lablink-test",
		ExporterType: ExporterStdout,
		SampleRate:   1.0,
	}

	tracer, err := NewTracer(ctx, cfg)
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tracer.Shutdown(ctx)

	spanCtx, span := tracer.StartSpan(ctx, "carrier-probe")
	defer span.End()

	headers := http.Header{}
	tracer.Propagator().Inject(spanCtx, propagation.HeaderCarrier(headers))
	if headers.Get("traceparent") == "" {
		t.Fatal("expected traceparent header after inject")
	}

	extracted := tracer.Propagator().Extract(context.Background(), propagation.HeaderCarrier(headers))
	got := trace.SpanContextFromContext(extracted).TraceID()
	if got != span.SpanContext().TraceID() {
		t.Errorf("trace ID did not survive the round trip: got %s, want %s",
			got, span.SpanContext().TraceID())
	}
}

func TestConfigWithAttributes(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		Enabled:        true,
		ServiceName:    "lablink-test",
		ServiceVersion: "0.3.0",
		ExporterType:   ExporterStdout,
		SampleRate:     1.0,
		Attributes: map[string]string{
			"site":  "bldg-4",
			"bench": "b12",
		},
	}

	tracer, err := NewTracer(ctx, cfg)
	if err != nil {
		t.Fatalf("NewTracer with attributes failed: %v", err)
	}
	defer tracer.Shutdown(ctx)

	if !tracer.Enabled() {
		t.Error("expected tracer to be enabled")
	}
}

func TestMiddlewareNilTracer(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := Middleware(nil)(handler)

	req := httptest.NewRequest(http.MethodGet, "/equipment/", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	tracer := NoopTracer()

	var sawRaw bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawRaw = w.(*httptest.ResponseRecorder)
		w.WriteHeader(http.StatusOK)
	})

	wrapped := Middleware(tracer)(handler)

	req := httptest.NewRequest(http.MethodGet, "/equipment/", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !sawRaw {
		t.Error("disabled middleware should hand the handler the raw writer")
	}
}

func TestMiddlewareEnabled(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		Enabled:      true,
		ServiceName:  "lablink-test",
		ExporterType: ExporterStdout,
		SampleRate:   1.0,
	}

	tracer, err := NewTracer(ctx, cfg)
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tracer.Shutdown(ctx)

	var handlerSpan trace.Span
	var sawRaw bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerSpan = trace.SpanFromContext(r.Context())
		_, sawRaw = w.(*httptest.ResponseRecorder)
		w.WriteHeader(http.StatusOK)
	})

	wrapped := Middleware(tracer)(handler)

	req := httptest.NewRequest(http.MethodGet, "/equipment/eq_1/status", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if handlerSpan == nil || !handlerSpan.SpanContext().IsValid() {
		t.Error("expected a valid span in the handler context")
	}
	if sawRaw {
		t.Error("enabled middleware should wrap the response writer")
	}
}

func TestMiddlewareStatusPropagation(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		Enabled:      true,
		ServiceName:  "lablink-test",
		ExporterType: ExporterStdout,
		SampleRate:   1.0,
	}

	tracer, err := NewTracer(ctx, cfg)
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tracer.Shutdown(ctx)

	tests := []struct {
		name string
		h    http.HandlerFunc
		want int
	}{
		{
			name: "explicit_error_status",
			h: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			want: http.StatusBadGateway,
		},
		{
			name: "implicit_ok_on_write",
			h: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"ok":true}`))
			},
			want: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := Middleware(tracer)(tt.h)
			req := httptest.NewRequest(http.MethodGet, "/alarms", nil)
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestMiddlewareWithTraceparent(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		Enabled:      true,
		ServiceName:  "lablink-test",
		ExporterType: ExporterStdout,
		SampleRate:   1.0,
	}

	tracer, err := NewTracer(ctx, cfg)
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tracer.Shutdown(ctx)

	const inboundTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var gotTraceID string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTraceID = trace.SpanFromContext(r.Context()).SpanContext().TraceID().String()
		w.WriteHeader(http.StatusOK)
	})

	wrapped := Middleware(tracer)(handler)

	req := httptest.NewRequest(http.MethodGet, "/equipment/", nil)
	req.Header.Set("traceparent", "00-"+inboundTraceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if gotTraceID != inboundTraceID {
		t.Errorf("expected handler span to continue trace %s, got %s", inboundTraceID, gotTraceID)
	}
}

// A websocket upgrade must reach the handler on the raw writer so the
// upgrader can hijack the connection.
func TestMiddlewareSkipsWebsocketUpgrade(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		Enabled:      true,
		ServiceName:  "lablink-test",
		ExporterType: ExporterStdout,
		SampleRate:   1.0,
	}

	tracer, err := NewTracer(ctx, cfg)
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tracer.Shutdown(ctx)

	var sawRaw bool
	var spanValid bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawRaw = w.(*httptest.ResponseRecorder)
		spanValid = trace.SpanFromContext(r.Context()).SpanContext().IsValid()
		w.WriteHeader(http.StatusSwitchingProtocols)
	})

	wrapped := Middleware(tracer)(handler)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if !sawRaw {
		t.Error("upgrade request should bypass the response writer wrapper")
	}
	if spanValid {
		t.Error("upgrade request should not carry a server span")
	}
}
