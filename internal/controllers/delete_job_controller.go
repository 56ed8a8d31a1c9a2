package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/pixelq/internal/services"
	"github.com/osvaldoandrade/pixelq/pkg/persistence"

	"github.com/gin-gonic/gin"
)

type deleteJobController struct{ svc services.MasterService }

func NewDeleteJobController(svc services.MasterService) *deleteJobController {
	return &deleteJobController{svc}
}

func (h *deleteJobController) Handle(c *gin.Context) {
	err := h.svc.DeleteJob(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, persistence.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, services.ErrJobActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
