package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/osvaldoandrade/pixelq/internal/services"

	"github.com/gin-gonic/gin"
)

const stopTimeout = 10 * time.Second

type stopListenerController struct{ svc services.MasterService }

func NewStopListenerController(svc services.MasterService) *stopListenerController {
	return &stopListenerController{svc}
}

func (h *stopListenerController) Handle(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), stopTimeout)
	defer cancel()
	if err := h.svc.Stop(ctx); err != nil {
		switch {
		case errors.Is(err, services.ErrNotListening):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		case errors.Is(err, context.DeadlineExceeded):
			// listener is down; only in-flight distribution outlived the wait
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, stateOf(h.svc))
}
