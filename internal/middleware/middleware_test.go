package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"lix/internal/logging"
)

func TestChain(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := &logging.Logger{Logger: zap.New(core)}
	version := func(ctx context.Context) (string, error) { return "main", nil }

	var seen string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.RequestID(r.Context())
		switch r.URL.Path {
		case "/panic":
			panic("boom")
		case "/missing":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusTeapot)
			w.Write([]byte("short"))
		}
	}), Recover(logger), Logger(logger, version), RequestID)

	t.Run("request id and access log", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/ok", nil))

		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, int64(http.StatusTeapot), fields["status"])
		assert.Equal(t, int64(5), fields["bytes"])
		assert.Equal(t, "main", fields["version"])
		assert.Equal(t, seen, fields["request_id"])
	})

	t.Run("incoming id is kept", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ok", nil)
		req.Header.Set("X-Request-ID", "given")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "given", seen)
		logs.TakeAll()
	})

	t.Run("client errors log at warn", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/missing", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)

		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	})

	t.Run("panics become a JSON 500", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/panic", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "INTERNAL", body["type"])

		assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
		access := logs.FilterMessage("request completed").All()
		require.Len(t, access, 1)
		assert.Equal(t, zapcore.ErrorLevel, access[0].Level)
		assert.Equal(t, int64(http.StatusInternalServerError), access[0].ContextMap()["status"])
	})
}
