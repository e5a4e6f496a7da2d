package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	gateway "github.com/eugener/gatewayd/internal"
)

// maxRequestBody is the maximum allowed request body size (4 MB).
const maxRequestBody = 4 << 20

// bodyPool reuses buffers for request body reads, avoiding a fresh
// allocation on every intake call.
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// jsonCT is a pre-allocated header value slice; direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc that
// Header.Set creates on every call. plainCT is health.go's counterpart.
var jsonCT = []string{"application/json"}

// apiError is the error shape of the {success,data,error} envelope (§6).
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// envelope is the uniform response body for every /api/* endpoint.
type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeErr(w http.ResponseWriter, status int, kind gateway.ErrorKind, message string) {
	writeJSON(w, status, envelope{Success: false, Error: &apiError{Code: string(kind), Message: message}})
}

// writeGatewayErr maps a sentinel error to its status and kind and writes it.
func writeGatewayErr(w http.ResponseWriter, err error) {
	writeErr(w, errorStatus(err), gateway.KindFromError(err), err.Error())
}

// errorStatus maps a sentinel error to its HTTP status per §6.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrQueueFull), errors.Is(err, gateway.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrTimedOut):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads the request body via bodyPool, unmarshals JSON into v,
// and writes a 400 on failure. Parse errors are logged server-side; clients
// receive a static message so internals never leak.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	defer bodyPool.Put(buf)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		slog.Warn("read request body failed", "error", err)
		writeErr(w, http.StatusBadRequest, gateway.KindValidation, "invalid request body")
		return false
	}
	if buf.Len() == 0 {
		return true
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		slog.Warn("decode request body failed", "error", err)
		writeErr(w, http.StatusBadRequest, gateway.KindValidation, "invalid JSON body")
		return false
	}
	return true
}
