package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/pixelq/internal/services"

	"github.com/gin-gonic/gin"
)

type listWorkersController struct{ svc services.MasterService }

func NewListWorkersController(svc services.MasterService) *listWorkersController {
	return &listWorkersController{svc}
}

func (h *listWorkersController) Handle(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workers": h.svc.Workers()})
}
