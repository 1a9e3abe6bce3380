package call

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	callsvc "eventsync-backend/internal/service/call"
	"eventsync-backend/pkg/response"
)

// Handler handles call HTTP requests. Session-bound operations (join, leave,
// signaling, media) live on the WebSocket transport; this surface covers
// reads plus the operations a user may perform without a live session.
type Handler struct {
	coordinator *callsvc.Coordinator
}

// NewHandler creates a new call handler
func NewHandler(coordinator *callsvc.Coordinator) *Handler {
	return &Handler{
		coordinator: coordinator,
	}
}

// GetCall returns the current call snapshot
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	snapshot, err := h.coordinator.CallInfo(callID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, snapshot)
}

// GetParticipants returns the call's live participants
// GET /v1/calls/:id/participants
func (h *Handler) GetParticipants(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	participants, err := h.coordinator.Participants(callID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id":      callID,
		"participants": participants,
	})
}

// GetStatus returns the caller's active calls
// GET /v1/calls/status
func (h *Handler) GetStatus(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	calls := h.coordinator.ActiveCallsForUser(userID)
	response.Success(c, http.StatusOK, gin.H{
		"in_call": len(calls) > 0,
		"calls":   calls,
	})
}

// EndCall terminates a call
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	role := c.GetString("role")

	if err := h.coordinator.End(c.Request.Context(), callID, userID, role); err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call ended",
		"call_id": callID,
	})
}

// GetPendingInvitations returns the caller's pending call invitations
// GET /v1/calls/invitations/pending
func (h *Handler) GetPendingInvitations(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	invitations := h.coordinator.PendingInvitations(userID)
	response.Success(c, http.StatusOK, gin.H{
		"invitations": invitations,
	})
}

// RespondInvitationRequest represents an invitation response
type RespondInvitationRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

// RespondInvitation accepts or declines an invitation
// POST /v1/calls/invitations/:id/respond
func (h *Handler) RespondInvitation(c *gin.Context) {
	invitationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid invitation ID")
		return
	}

	var req RespondInvitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	inv, err := h.coordinator.RespondInvitation(invitationID, userID, *req.Accept)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, inv)
}

// GetICEServers returns the STUN/TURN servers clients should use
// GET /v1/calls/ice-servers
func (h *Handler) GetICEServers(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"ice_servers": h.coordinator.ICEServers(),
	})
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
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
