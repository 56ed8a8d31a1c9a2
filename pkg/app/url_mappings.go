package app

import (
	"github.com/osvaldoandrade/pixelq/internal/controllers"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupMappings(app *Application) {
	v1 := app.Engine.Group("/v1/pixelq")
	{
		v1.GET("/listener", controllers.NewGetListenerController(app.Master).Handle)
		v1.POST("/listener", controllers.NewStartListenerController(app.Master).Handle)
		v1.DELETE("/listener", controllers.NewStopListenerController(app.Master).Handle)

		v1.POST("/jobs", controllers.NewSubmitJobController(app.Master).Handle)
		v1.GET("/jobs", controllers.NewListJobsController(app.Master).Handle)
		v1.GET("/jobs/:id", controllers.NewGetJobController(app.Master).Handle)
		v1.DELETE("/jobs/:id", controllers.NewDeleteJobController(app.Master).Handle)

		v1.GET("/workers", controllers.NewListWorkersController(app.Master).Handle)
		v1.GET("/healthz", controllers.NewHealthController(app.Store).Handle)
	}
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
