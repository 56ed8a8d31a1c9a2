package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/pixelq/internal/services"

	"github.com/gin-gonic/gin"
)

type startListenerController struct{ svc services.MasterService }

func NewStartListenerController(svc services.MasterService) *startListenerController {
	return &startListenerController{svc}
}

type startListenerReq struct {
	Port portValue `json:"port" binding:"required"`
}

func (h *startListenerController) Handle(c *gin.Context) {
	var req startListenerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if _, err := h.svc.Start(c.Request.Context(), string(req.Port)); err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidPort):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrPortInUse), errors.Is(err, services.ErrAlreadyListening):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, stateOf(h.svc))
}
