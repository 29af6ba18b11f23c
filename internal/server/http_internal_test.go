package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON_UnencodableBodyIsLoggedAs500(t *testing.T) {
	var logs bytes.Buffer
	a := &httpAPI{
		deps:      Deps{Logger: zerolog.New(&logs)},
		marshaler: &runtime.JSONBuiltin{},
	}

	rec := httptest.NewRecorder()
	code := a.writeJSON(rec, "status", http.StatusOK, map[string]any{"bad": make(chan int)})

	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal", body.Kind)

	assert.Contains(t, logs.String(), "encode response")
	assert.Contains(t, logs.String(), `"route":"status"`)
}

func TestWriteJSON_EncodesBody(t *testing.T) {
	a := &httpAPI{deps: Deps{Logger: zerolog.Nop()}, marshaler: &runtime.JSONBuiltin{}}

	rec := httptest.NewRecorder()
	code := a.writeJSON(rec, "prices", http.StatusOK, map[string]string{"price": "1"})

	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"price":"1"}`, rec.Body.String())
}
