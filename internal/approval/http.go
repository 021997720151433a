package approval

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// decisionRequest is the POST body for a decision.
type decisionRequest struct {
	Status string `json:"status" binding:"required"`
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason"`
}

// RegisterRoutes mounts the approval API. Both endpoints go through the
// gate's mutator, so HTTP decisions serialize with CLI decisions.
func (g *Gate) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api/approvals")
	api.GET("", g.handleList)
	api.POST("/:id/decision", g.handleDecision)
}

func (g *Gate) handleList(c *gin.Context) {
	status := Status(c.Query("status"))
	switch status {
	case "", StatusRequired, StatusGranted, StatusDenied, StatusExpired:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": g.List(status)})
}

func (g *Gate) handleDecision(c *gin.Context) {
	var body decisionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := g.Decide(c.Request.Context(), c.Param("id"), Status(body.Status), body.Actor, body.Reason)
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, ErrUnknownApproval) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approval_id": c.Param("id"), "status": body.Status})
}
