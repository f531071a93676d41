package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/d1gallar/forest/internal/auth"
	d "github.com/d1gallar/forest/internal/domain"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type ctxKey int

const logFieldsKey ctxKey = iota

// logFields is filled in by inner middleware so the request log line can
// carry values only known after routing.
type logFields struct {
	userID string
}

type StatusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *StatusRecorder) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *StatusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *StatusRecorder) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// RequestIDMiddleware echoes the request ID assigned by middleware.RequestID.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

// LoggerMiddleware writes one line per request and turns panics into a 500.
func LoggerMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			fields := &logFields{}
			recorder := &StatusRecorder{ResponseWriter: w}
			r = r.WithContext(context.WithValue(r.Context(), logFieldsKey, fields))

			defer func() {
				rec := recover()
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				event := logger.Info()
				if rec != nil {
					var errMsg string
					if e, ok := rec.(error); ok {
						errMsg = e.Error()
					} else {
						errMsg = fmt.Sprintf("%v", rec)
					}
					event = logger.Error().Str("error", errMsg)
					if recorder.status == 0 {
						respondError(recorder, logger, &d.Error{Kind: d.KindInternal, Message: "internal server error"})
					}
				}
				event.
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("user_id", fields.userID).
					Str("method", r.Method).
					Str("url", r.URL.String()).
					Int("status", recorder.Status()).
					Dur("duration", time.Since(start)).
					Msg("request completed")
			}()

			next.ServeHTTP(recorder, r)
		})
	}
}

// TokenVerifier resolves a bearer token to the user it was issued for.
type TokenVerifier interface {
	UserID(token string) (string, error)
}

// AuthMiddleware rejects requests without a valid bearer token and stores the
// caller's user ID on the context.
func AuthMiddleware(tokens TokenVerifier, logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				respondError(w, logger, d.NewUnauthorizedError("missing bearer token"))
				return
			}
			userID, err := tokens.UserID(token)
			if err != nil {
				respondError(w, logger, err)
				return
			}
			if fields, ok := r.Context().Value(logFieldsKey).(*logFields); ok {
				fields.userID = userID
			}
			next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
		})
	}
}
