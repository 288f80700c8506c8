package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BaSui01/agentcoord/types"
)

type recordedRequest struct {
	method, route string
	status        int
}

type requestRecorder struct{ got []recordedRequest }

func (r *requestRecorder) RecordHTTPRequest(method, route string, status int, _ time.Duration) {
	r.got = append(r.got, recordedRequest{method, route, status})
}

func TestInstrument_HeadersAndClientRequestID(t *testing.T) {
	var seen string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/nodes/{id}", func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	rec := &requestRecorder{}

	r := httptest.NewRequest(http.MethodGet, "/v1/nodes/n1", nil)
	r.Header.Set("X-Request-ID", "abc")
	w := httptest.NewRecorder()
	instrument(mux, zaptest.NewLogger(t), rec).ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, []recordedRequest{{http.MethodGet, "/v1/nodes/{id}", http.StatusNoContent}}, rec.got)
}

func TestInstrument_PanicBecomesInternalError(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	core, logs := observer.New(zapcore.ErrorLevel)
	rec := &requestRecorder{}

	w := httptest.NewRecorder()
	instrument(inner, zap.New(core), rec).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/select", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Success)
	assert.Equal(t, string(types.ErrInternalError), resp.Error.Code)
	assert.Equal(t, w.Header().Get("X-Request-ID"), resp.RequestID)
	assert.Equal(t, 1, logs.FilterMessage("handler panicked").Len())
	assert.Equal(t, []recordedRequest{{http.MethodPost, "unmatched", http.StatusInternalServerError}}, rec.got)
}

func TestInstrument_ProbesLogAtDebug(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {})
	core, logs := observer.New(zapcore.InfoLevel)

	instrument(mux, zap.New(core), nil).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Zero(t, logs.Len())

	instrument(mux, zap.New(core), nil).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, 1, logs.FilterMessage("request").Len())
}

func TestRouteLabel_Unmatched(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	assert.Equal(t, "unmatched", routeLabel(r))

	r.Pattern = "GET /v1/nodes/{id}"
	assert.Equal(t, "/v1/nodes/{id}", routeLabel(r))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrMalformedInput, http.StatusBadRequest},
		{types.ErrUnknownStrategy, http.StatusBadRequest},
		{types.ErrNodeNotFound, http.StatusNotFound},
		{types.ErrInfeasibleRequest, http.StatusUnprocessableEntity},
		{types.ErrRefreshThrottled, http.StatusTooManyRequests},
		{types.ErrEngineNotRunning, http.StatusServiceUnavailable},
		{types.ErrStrategyTimeout, http.StatusGatewayTimeout},
		{types.ErrInternalError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.code))
		})
	}
}
