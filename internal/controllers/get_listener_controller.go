package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/pixelq/internal/services"

	"github.com/gin-gonic/gin"
)

type listenerState struct {
	Listening bool   `json:"listening"`
	Addr      string `json:"addr,omitempty"`
	Workers   int    `json:"workers"`
}

func stateOf(svc services.MasterService) listenerState {
	st := listenerState{Listening: svc.Listening(), Workers: svc.WorkerCount()}
	if addr := svc.Addr(); addr != nil {
		st.Addr = addr.String()
	}
	return st
}

type getListenerController struct{ svc services.MasterService }

func NewGetListenerController(svc services.MasterService) *getListenerController {
	return &getListenerController{svc}
}

func (h *getListenerController) Handle(c *gin.Context) {
	c.JSON(http.StatusOK, stateOf(h.svc))
}
