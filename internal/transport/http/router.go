package http

import (
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/richardliu001/settlement-service/internal/config"
	"go.uber.org/zap"
)

func NewRouter(d Deps, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(requestid.New())
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggingMiddleware(log))
	r.Use(MetricsMiddleware(d.Metrics))
	if rl.RPS > 0 {
		r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	}
	if d.Log == nil {
		d.Log = log
	}
	RegisterHandlers(r, d)
	return r
}
