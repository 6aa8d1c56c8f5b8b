package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/CareCircle/internal/application/care"
	"github.com/turtacn/CareCircle/internal/interfaces/http/middleware"
)

// GrantHandler changes a member's capabilities, expiry and child scope.
type GrantHandler struct {
	svc care.Service
}

func NewGrantHandler(svc care.Service) *GrantHandler {
	return &GrantHandler{svc: svc}
}

func (h *GrantHandler) grantRequest(c *gin.Context) *care.GrantRequest {
	return &care.GrantRequest{
		UserID:     middleware.UserID(c),
		FamilyID:   c.Param("familyID"),
		MemberID:   c.Param("memberID"),
		Capability: strings.ToLower(c.Param("capability")),
	}
}

// Grant handles POST /families/:familyID/members/:memberID/capabilities/:capability.
func (h *GrantHandler) Grant(c *gin.Context) {
	m, err := h.svc.GrantCapability(c.Request.Context(), h.grantRequest(c))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, m)
}

// Revoke handles DELETE /families/:familyID/members/:memberID/capabilities/:capability.
func (h *GrantHandler) Revoke(c *gin.Context) {
	m, err := h.svc.RevokeCapability(c.Request.Context(), h.grantRequest(c))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, m)
}

// SetExpiry handles PUT /families/:familyID/members/:memberID/expiry. A
// null expires_at makes the access permanent.
func (h *GrantHandler) SetExpiry(c *gin.Context) {
	var req care.SetExpiryRequest
	if err := bindJSON(c, &req); err != nil {
		writeAppError(c, err)
		return
	}
	req.UserID, req.FamilyID, req.MemberID = middleware.UserID(c), c.Param("familyID"), c.Param("memberID")
	m, err := h.svc.SetExpiry(c.Request.Context(), &req)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, m)
}

// SetChildScope handles PUT /families/:familyID/members/:memberID/scope.
func (h *GrantHandler) SetChildScope(c *gin.Context) {
	var req care.SetChildScopeRequest
	if err := bindJSON(c, &req); err != nil {
		writeAppError(c, err)
		return
	}
	req.UserID, req.FamilyID, req.MemberID = middleware.UserID(c), c.Param("familyID"), c.Param("memberID")
	m, err := h.svc.SetChildScope(c.Request.Context(), &req)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, m)
}
