package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/pixelq/internal/services"

	"github.com/gin-gonic/gin"
)

type listJobsController struct{ svc services.MasterService }

func NewListJobsController(svc services.MasterService) *listJobsController {
	return &listJobsController{svc}
}

func (h *listJobsController) Handle(c *gin.Context) {
	jobs, err := h.svc.Jobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}
