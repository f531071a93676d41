package http

import (
	"encoding/json"
	"errors"
	"net/http"

	d "github.com/d1gallar/forest/internal/domain"
	"github.com/rs/zerolog"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success bool              `json:"success"`
	Type    string            `json:"type"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func respondJSON(w http.ResponseWriter, logger zerolog.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	respondJSON(w, logger, status, body)
}

func errorResponse(err error) (int, ErrorResponse) {
	var ge *d.GatewayError
	if errors.As(err, &ge) && d.KindOf(err) == d.KindGateway {
		status := http.StatusBadGateway
		if ge.StatusCode == http.StatusPaymentRequired {
			status = http.StatusPaymentRequired
		}
		body := ErrorResponse{Type: d.KindGateway.String(), Code: ge.Code, Message: ge.Message}
		if ge.DeclineCode != "" {
			body.Errors = map[string]string{"declineCode": ge.DeclineCode}
		}
		return status, body
	}

	var de *d.Error
	if !errors.As(err, &de) {
		return http.StatusInternalServerError, ErrorResponse{
			Type:    d.KindInternal.String(),
			Message: "internal server error",
		}
	}
	body := ErrorResponse{Type: de.Kind.String(), Code: de.Code, Message: de.Message, Errors: de.Fields}
	switch de.Kind {
	case d.KindValidation:
		return http.StatusBadRequest, body
	case d.KindNotFound:
		return http.StatusNotFound, body
	case d.KindUnauthorized:
		return http.StatusUnauthorized, body
	case d.KindConflict:
		return http.StatusConflict, body
	case d.KindGatewayUnavailable:
		return http.StatusServiceUnavailable, body
	}
	body.Message = "internal server error"
	return http.StatusInternalServerError, body
}
