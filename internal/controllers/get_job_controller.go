package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/pixelq/internal/services"
	"github.com/osvaldoandrade/pixelq/pkg/domain"
	"github.com/osvaldoandrade/pixelq/pkg/persistence"

	"github.com/gin-gonic/gin"
)

type getJobController struct{ svc services.MasterService }

func NewGetJobController(svc services.MasterService) *getJobController {
	return &getJobController{svc}
}

type jobDetail struct {
	*domain.Job
	Tasks []domain.Task `json:"tasks"`
}

func (h *getJobController) Handle(c *gin.Context) {
	job, tasks, err := h.svc.Job(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	c.JSON(http.StatusOK, jobDetail{Job: job, Tasks: tasks})
}
