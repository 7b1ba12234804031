package bridge

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/a2fbridge/internal/observe"
)

// RequestIDHeader carries the per-request identifier in both directions.
const RequestIDHeader = observe.RequestIDHeader

// ServeHTTP handles POST /a2f/process. The bearer token is checked before the
// body is read.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get(RequestIDHeader)
	if _, err := uuid.Parse(reqID); err != nil {
		reqID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, reqID)
	ctx := observe.WithRequestID(r.Context(), reqID)

	if e := c.Authorize(r); e != nil {
		c.report(ctx, e)
		WriteError(w, e)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, c.cfg.MaxBodyBytes)
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		e := decodeErr(err)
		c.report(ctx, e)
		WriteError(w, e)
		return
	}
	req.RequestID = reqID

	res, err := c.Process(ctx, req)
	if err != nil {
		var be *Error
		errors.As(err, &be)
		writeJSON(w, be.HTTPStatus(), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Authorize checks the bearer token when one is configured. A missing or
// malformed header is 401; a wrong token is 403.
func (c *Controller) Authorize(r *http.Request) *Error {
	if c.cfg.BridgeToken == "" {
		return nil
	}
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return &Error{Kind: KindUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(c.cfg.BridgeToken)) != 1 {
		return &Error{Kind: KindUnauthorized, Message: "invalid bearer token", Status: http.StatusForbidden}
	}
	return nil
}

func decodeErr(err error) *Error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &Error{Kind: KindPayloadTooLarge, Message: "request body too large", Err: err}
	}
	return &Error{Kind: KindInvalidRequest, Message: "request body must be a JSON object with audio and format", Err: err}
}

// WriteError writes e as the standard error body.
func WriteError(w http.ResponseWriter, e *Error) {
	writeJSON(w, e.HTTPStatus(), BuildError(e.Info()))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("bridge: encode response", "err", err)
		http.Error(w, `{"success":false}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
