package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/CareCircle/internal/application/care"
	"github.com/turtacn/CareCircle/internal/interfaces/http/middleware"
	"github.com/turtacn/CareCircle/pkg/errors"
)

// InvitationHandler issues, revokes and redeems invitations.
type InvitationHandler struct {
	svc care.Service
}

func NewInvitationHandler(svc care.Service) *InvitationHandler {
	return &InvitationHandler{svc: svc}
}

// Create handles POST /families/:familyID/invitations. The response is the
// only place the token is returned to the inviter.
func (h *InvitationHandler) Create(c *gin.Context) {
	var req care.CreateInvitationRequest
	if err := bindJSON(c, &req); err != nil {
		writeAppError(c, err)
		return
	}
	req.UserID, req.FamilyID = middleware.UserID(c), c.Param("familyID")
	inv, err := h.svc.CreateInvitation(c.Request.Context(), &req)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, inv)
}

// List handles GET /families/:familyID/invitations.
func (h *InvitationHandler) List(c *gin.Context) {
	invs, err := h.svc.ListInvitations(c.Request.Context(), middleware.UserID(c), c.Param("familyID"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, invs)
}

// Revoke handles DELETE /families/:familyID/invitations/:invitationID.
func (h *InvitationHandler) Revoke(c *gin.Context) {
	inv, err := h.svc.RevokeInvitation(c.Request.Context(), middleware.UserID(c), c.Param("familyID"), c.Param("invitationID"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, inv)
}

type acceptBody struct {
	Token       string `json:"token"`
	DisplayName string `json:"display_name"`
}

// Accept handles POST /invitations/accept. The token travels in the body so
// it stays out of access logs.
func (h *InvitationHandler) Accept(c *gin.Context) {
	var body acceptBody
	if err := bindJSON(c, &body); err != nil {
		writeAppError(c, err)
		return
	}
	if strings.TrimSpace(body.Token) == "" {
		writeAppError(c, errors.New(errors.ErrCodeValidation, "token is required"))
		return
	}
	displayName := body.DisplayName
	if displayName == "" {
		if claims := middleware.Claims(c); claims != nil {
			displayName = claims.Name
		}
	}
	res, err := h.svc.AcceptInvitation(c.Request.Context(), &care.AcceptInvitationRequest{
		UserID:      middleware.UserID(c),
		Token:       strings.TrimSpace(body.Token),
		DisplayName: displayName,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}
