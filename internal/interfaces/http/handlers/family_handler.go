package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/CareCircle/internal/application/care"
	"github.com/turtacn/CareCircle/internal/interfaces/http/middleware"
)

// FamilyHandler serves families, children and members.
type FamilyHandler struct {
	svc care.Service
}

func NewFamilyHandler(svc care.Service) *FamilyHandler {
	return &FamilyHandler{svc: svc}
}

// Create handles POST /families. The caller becomes the owner.
func (h *FamilyHandler) Create(c *gin.Context) {
	var req care.CreateFamilyRequest
	if err := bindJSON(c, &req); err != nil {
		writeAppError(c, err)
		return
	}
	req.UserID = middleware.UserID(c)
	if req.DisplayName == "" {
		if claims := middleware.Claims(c); claims != nil {
			req.DisplayName = claims.Name
		}
	}
	view, err := h.svc.CreateFamily(c.Request.Context(), &req)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, view)
}

// List handles GET /families.
func (h *FamilyHandler) List(c *gin.Context) {
	fams, err := h.svc.ListFamilies(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, fams)
}

// Get handles GET /families/:familyID.
func (h *FamilyHandler) Get(c *gin.Context) {
	view, err := h.svc.GetFamily(c.Request.Context(), middleware.UserID(c), c.Param("familyID"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, view)
}

// Archive handles POST /families/:familyID/archive.
func (h *FamilyHandler) Archive(c *gin.Context) {
	fam, err := h.svc.ArchiveFamily(c.Request.Context(), middleware.UserID(c), c.Param("familyID"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, fam)
}

// AddChild handles POST /families/:familyID/children.
func (h *FamilyHandler) AddChild(c *gin.Context) {
	var req care.AddChildRequest
	if err := bindJSON(c, &req); err != nil {
		writeAppError(c, err)
		return
	}
	req.UserID, req.FamilyID = middleware.UserID(c), c.Param("familyID")
	child, err := h.svc.AddChild(c.Request.Context(), &req)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, child)
}

// ListChildren handles GET /families/:familyID/children.
func (h *FamilyHandler) ListChildren(c *gin.Context) {
	children, err := h.svc.ListChildren(c.Request.Context(), middleware.UserID(c), c.Param("familyID"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, children)
}

// ListMembers handles GET /families/:familyID/members.
func (h *FamilyHandler) ListMembers(c *gin.Context) {
	members, err := h.svc.ListMembers(c.Request.Context(), middleware.UserID(c), c.Param("familyID"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, members)
}

// RemoveMember handles DELETE /families/:familyID/members/:memberID.
func (h *FamilyHandler) RemoveMember(c *gin.Context) {
	err := h.svc.RemoveMember(c.Request.Context(), middleware.UserID(c), c.Param("familyID"), c.Param("memberID"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	noContent(c)
}
