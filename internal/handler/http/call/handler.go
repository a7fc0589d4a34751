package call

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"duocall-backend/internal/domain"
	"duocall-backend/internal/repository/cockroach"
	"duocall-backend/pkg/pagination"
	"duocall-backend/pkg/response"
)

// CallReader reads durable call records
type CallReader interface {
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
}

// EventReader reads the call event journal
type EventReader interface {
	GetByCall(callID uuid.UUID, bucket int, limit int) ([]*domain.CallEvent, error)
}

// Handler handles call history HTTP requests
type Handler struct {
	calls  CallReader
	events EventReader // may be nil when the journal is disabled
}

// NewHandler creates a new call handler
func NewHandler(calls CallReader, events EventReader) *Handler {
	return &Handler{
		calls:  calls,
		events: events,
	}
}

// GetCallHistory lists the authenticated user's calls, newest first
// GET /v1/calls
func (h *Handler) GetCallHistory(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	params, err := pagination.ParsePaginationParams(c.Query("page"), c.Query("limit"), "", "")
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	calls, err := h.calls.GetUserCalls(c.Request.Context(), userID, params.Limit, params.Offset)
	if err != nil {
		response.InternalError(c, "Failed to load call history")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls":  calls,
		"page":   params.Page,
		"limit":  params.Limit,
		"offset": params.Offset,
	})
}

// GetCall retrieves one call record. Only its participants may read it.
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	call, err := h.calls.GetByID(c.Request.Context(), callID)
	if err != nil {
		if errors.Is(err, cockroach.ErrCallNotFound) {
			response.NotFound(c, "Call not found")
			return
		}
		response.InternalError(c, "Failed to load call")
		return
	}

	if !call.HasParticipant(userID) {
		response.Forbidden(c, "Not a participant of this call")
		return
	}

	response.Success(c, http.StatusOK, call)
}

// GetCallEvents retrieves the signaling journal for one call. The bucket
// query selects the day (YYYYMMDD); it defaults to today.
// GET /v1/calls/:id/events
func (h *Handler) GetCallEvents(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	if h.events == nil {
		response.NotFound(c, "Call journal not available")
		return
	}

	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	call, err := h.calls.GetByID(c.Request.Context(), callID)
	if err != nil {
		if errors.Is(err, cockroach.ErrCallNotFound) {
			response.NotFound(c, "Call not found")
			return
		}
		response.InternalError(c, "Failed to load call")
		return
	}
	if !call.HasParticipant(userID) {
		response.Forbidden(c, "Not a participant of this call")
		return
	}

	bucket := domain.CalculateEventBucket(time.Now().UTC())
	if b := c.Query("bucket"); b != "" {
		parsed, err := strconv.Atoi(b)
		if err != nil {
			response.ValidationError(c, "Invalid bucket")
			return
		}
		bucket = parsed
	}

	events, err := h.events.GetByCall(callID, bucket, 100)
	if err != nil {
		response.InternalError(c, "Failed to load call events")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id": callID,
		"bucket":  bucket,
		"events":  events,
	})
}

func authenticatedUser(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}
