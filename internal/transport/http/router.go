package http

import (
	"github.com/evenup/split-settlement/internal/config"
	"github.com/evenup/split-settlement/internal/rail"
	"github.com/evenup/split-settlement/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func NewRouter(ledger *service.LedgerService, splits *service.SplitService, bank rail.BankRail, card rail.CardRail, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, ledger, splits, bank, card)
	return r
}
