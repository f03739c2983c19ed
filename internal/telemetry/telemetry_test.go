package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	tel, err := Setup(context.Background(), "", "line-relay")
	require.NoError(t, err)
	require.Nil(t, tel)
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestSetup_InstallsProvider(t *testing.T) {
	tel, err := Setup(context.Background(), "http://127.0.0.1:4318/", "line-relay")
	require.NoError(t, err)
	require.NotNil(t, tel)

	// Nothing was exported, so shutdown completes without contacting the collector.
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestFlushAfter_NilTelemetryReturnsHandler(t *testing.T) {
	calls := 0
	fn := func(_ context.Context, in string) (string, error) {
		calls++
		return in + "!", nil
	}
	var tel *Telemetry
	require.NoError(t, tel.ForceFlush(context.Background()))

	out, err := FlushAfter(tel, fn)(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, "hi!", out)
	require.Equal(t, 1, calls)
}

func TestFlushAfter_ExportsSpansPerInvocation(t *testing.T) {
	var exported atomic.Int32
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/traces" {
			exported.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(collector.Close)

	tel, err := Setup(context.Background(), collector.URL, "line-relay")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	handler := FlushAfter(tel, func(ctx context.Context, _ struct{}) (int, error) {
		_, span := otel.Tracer("test").Start(ctx, "invocation")
		span.End()
		return 200, nil
	})

	status, err := handler(context.Background(), struct{}{})
	require.NoError(t, err)
	require.Equal(t, 200, status)
	require.Equal(t, int32(1), exported.Load())
}
