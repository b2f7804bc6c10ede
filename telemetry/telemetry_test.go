package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupValidates(t *testing.T) {
	_, err := Setup(context.Background(), Config{Endpoint: "localhost:4317"})
	assert.Error(t, err)

	_, err = Setup(context.Background(), Config{Endpoint: "localhost:4317", ServiceName: "prep", SampleRate: 1.5})
	assert.Error(t, err)
}

func TestInjectTraceHeaders(t *testing.T) {
	_, err := Setup(context.Background(), Config{})
	require.NoError(t, err)

	provider := sdktrace.NewTracerProvider()
	defer provider.Shutdown(context.Background())
	otel.SetTracerProvider(provider)

	var traceparent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ctx, span := otel.Tracer("test").Start(context.Background(), "parent")
	defer span.End()

	client := resty.New().SetBaseURL(server.URL).OnBeforeRequest(InjectTraceHeaders)
	resp, err := client.R().SetContext(ctx).Get("/test")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode())

	require.NotEmpty(t, traceparent)
	assert.Contains(t, traceparent, span.SpanContext().TraceID().String())
}
