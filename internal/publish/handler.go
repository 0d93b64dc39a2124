package publish

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_mail/internal/apperr"
	"github.com/austindbirch/harbor_mail/internal/auth"
	"github.com/austindbirch/harbor_mail/internal/idempotency"
	"github.com/austindbirch/harbor_mail/internal/issue"
	"github.com/austindbirch/harbor_mail/internal/logging"
)

const (
	maxBodyBytes     = 1 << 20
	maxFailedListing = 500
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes registers the API on mux. Authentication is applied by the caller.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/issues", h.PublishIssue)
	mux.HandleFunc("GET /v1/issues/{id}/deliveries", h.IssueDeliveries)
	mux.HandleFunc("GET /v1/deliveries/failed", h.FailedDeliveries)
}

func (h *Handler) PublishIssue(w http.ResponseWriter, r *http.Request) {
	publisherID, ok := auth.GetPublisherIDFromContext(r.Context())
	if !ok {
		auth.Unauthorized(w, "missing publisher")
		return
	}

	key, err := keyFromRequest(r, publisherID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var draft issue.Draft
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&draft); err != nil {
		writeError(w, r, apperr.Validation("body", "request body must be a JSON object with title, html_content and text_content"))
		return
	}

	resp, err := h.svc.Publish(r.Context(), key, draft)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := resp.WriteTo(w); err != nil {
		logging.WithContext(r.Context()).WithError(err).Warn("write publish response")
	}
}

// keyFromRequest reads the optional Idempotency-Key header. A header that is
// present but empty or too long is rejected rather than ignored.
func keyFromRequest(r *http.Request, publisherID string) (idempotency.Key, error) {
	values, present := r.Header[http.CanonicalHeaderKey(idempotency.HeaderName)]
	if !present {
		return idempotency.Unkeyed(publisherID), nil
	}
	value := ""
	if len(values) > 0 {
		value = values[0]
	}
	key, err := idempotency.NewKey(publisherID, value)
	if err != nil {
		return idempotency.Key{}, &apperr.AppError{
			Code:    apperr.CodeValidation,
			Message: err.Error(),
			Cause:   err,
			Field:   idempotency.HeaderName,
		}
	}
	return key, nil
}

func (h *Handler) IssueDeliveries(w http.ResponseWriter, r *http.Request) {
	publisherID, ok := auth.GetPublisherIDFromContext(r.Context())
	if !ok {
		auth.Unauthorized(w, "missing publisher")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, apperr.Validation("id", "issue id must be a UUID"))
		return
	}

	out, err := h.svc.Deliveries(r.Context(), publisherID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) FailedDeliveries(w http.ResponseWriter, r *http.Request) {
	publisherID, ok := auth.GetPublisherIDFromContext(r.Context())
	if !ok {
		auth.Unauthorized(w, "missing publisher")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxFailedListing {
			writeError(w, r, apperr.Validation("limit", "limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	out, err := h.svc.FailedDeliveries(r.Context(), publisherID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": out})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, idempotency.ErrInFlight) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusConflict, errorBody{
			Error: "a request with this idempotency key is still in progress",
			Code:  string(apperr.CodeConflict),
		})
		return
	}

	status := apperr.HTTPStatus(err)
	body := errorBody{Error: apperr.PublicMessage(err), Code: string(apperr.CodeOf(err))}
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		body.Field = appErr.Field
	}

	entry := logging.WithContext(r.Context()).WithError(err).WithField("status", status).WithField("path", r.URL.Path)
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
