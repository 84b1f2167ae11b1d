package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"callsim/internal/admission"
	"callsim/internal/auth"
	"callsim/internal/calls"
	"callsim/internal/metrics"
	"callsim/internal/recording"
	"callsim/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ExhaustedLister lists a tenant's uploads that ran out of attempts.
type ExhaustedLister interface {
	ListExhausted(ctx context.Context, tenant string) ([]recording.Job, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls     *calls.Service
	Metrics   *metrics.Aggregator
	Exhausted ExhaustedLister

	// Tokens is optional; when set, create responses carry a channel token.
	Tokens *auth.ChannelTokens

	// PublicBaseURL overrides the request host in websocket URLs.
	PublicBaseURL string

	Started time.Time
}

func (h Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.Started).Seconds(),
	})
}

// --- Calls ---

type createCallRequest struct {
	From     string         `json:"from"`
	To       string         `json:"to"`
	Metadata map[string]any `json:"metadata"`
}

type createCallResponse struct {
	CallID       string       `json:"call_id"`
	Status       calls.Status `json:"status"`
	WebSocketURL string       `json:"websocket_url"`
	From         string       `json:"from"`
	To           string       `json:"to"`
	CreatedAt    time.Time    `json:"created_at"`
}

func (h Handlers) CreateCall(c *gin.Context) {
	tenant, ok := tenantOrAbort(c)
	if !ok {
		return
	}
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json body")
		return
	}

	call, err := h.Calls.Create(c.Request.Context(), tenant, calls.CreateRequest{
		From:     strings.TrimSpace(req.From),
		To:       strings.TrimSpace(req.To),
		Metadata: req.Metadata,
	})
	if err != nil {
		h.writeCallError(c, err)
		return
	}

	wsURL, err := h.webSocketURL(c, call.ID, tenant)
	if err != nil {
		logger.FromGin(c).Error("issue channel token failed", "call_id", call.ID, "err", err)
	}
	c.JSON(http.StatusCreated, createCallResponse{
		CallID:       call.ID,
		Status:       call.Status,
		WebSocketURL: wsURL,
		From:         call.From,
		To:           call.To,
		CreatedAt:    call.CreatedAt,
	})
}

func (h Handlers) GetCall(c *gin.Context) {
	tenant, ok := tenantOrAbort(c)
	if !ok {
		return
	}
	call, err := h.Calls.Get(c.Request.Context(), tenant, c.Param("id"))
	if err != nil {
		h.writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) RequestRecording(c *gin.Context) {
	tenant, ok := tenantOrAbort(c)
	if !ok {
		return
	}
	id := c.Param("id")
	jobID, err := h.Calls.RequestRecording(c.Request.Context(), tenant, id)
	if err != nil {
		h.writeCallError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "call_id": id, "state": recording.StateWaiting})
}

// --- Metrics & uploads ---

func (h Handlers) GetMetrics(c *gin.Context) {
	snap, err := h.Metrics.Snapshot(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "Failed to fetch metrics")
		return
	}
	c.JSON(http.StatusOK, snap)
}

type jobView struct {
	ID        string          `json:"id"`
	CallID    string          `json:"call_id"`
	Attempts  int             `json:"attempts"`
	State     recording.State `json:"state"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (h Handlers) ListExhaustedUploads(c *gin.Context) {
	tenant, ok := tenantOrAbort(c)
	if !ok {
		return
	}
	jobs, err := h.Exhausted.ListExhausted(c.Request.Context(), tenant)
	if err != nil {
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "Failed to list uploads")
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView{
			ID:        j.ID,
			CallID:    j.CallID,
			Attempts:  j.Attempts,
			State:     j.State,
			LastError: j.LastError,
			CreatedAt: j.CreatedAt,
			UpdatedAt: j.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

// --- helpers ---

func (h Handlers) writeCallError(c *gin.Context, err error) {
	if d, ok := admission.IsDenied(err); ok {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "Too Many Requests",
			"message": d.Error(),
			"limit":   d.Limit,
		})
		return
	}
	switch {
	case errors.Is(err, calls.ErrInvalidArgument):
		writeError(c, http.StatusBadRequest, strings.TrimPrefix(err.Error(), calls.ErrInvalidArgument.Error()+": "))
	case errors.Is(err, calls.ErrNotFound):
		writeError(c, http.StatusNotFound, "Call not found")
	case errors.Is(err, calls.ErrStatusConflict):
		writeError(c, http.StatusConflict, strings.TrimPrefix(err.Error(), calls.ErrStatusConflict.Error()+": "))
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "Internal Server Error")
	}
}

func (h Handlers) webSocketURL(c *gin.Context, callID, tenant string) (string, error) {
	u := url.URL{Scheme: "ws", Host: c.Request.Host, Path: "/ws"}
	if c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
		u.Scheme = "wss"
	}
	if h.PublicBaseURL != "" {
		if base, err := url.Parse(h.PublicBaseURL); err == nil && base.Host != "" {
			u.Host = base.Host
			u.Scheme = "ws"
			if base.Scheme == "https" {
				u.Scheme = "wss"
			}
		}
	}

	q := url.Values{"call_id": {callID}}
	var tokenErr error
	if h.Tokens != nil {
		tok, err := h.Tokens.Issue(time.Now(), callID, tenant)
		if err == nil {
			q.Set("token", tok)
		}
		tokenErr = err
	}
	u.RawQuery = q.Encode()
	return u.String(), tokenErr
}

func tenantOrAbort(c *gin.Context) (string, bool) {
	tenant, err := auth.Tenant(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusUnauthorized, "Missing or invalid Authorization header")
		return "", false
	}
	return tenant, true
}

func writeError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status), "message": message})
}
