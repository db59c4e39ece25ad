package api

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/credit_ledger/config"
	"github.com/qs3c/credit_ledger/internal/api/handler"
	"github.com/qs3c/credit_ledger/internal/api/middleware"
	"github.com/qs3c/credit_ledger/internal/pkg/metrics"
)

type Router struct {
	creditHandler       *handler.CreditHandler
	subscriptionHandler *handler.SubscriptionHandler
	internalHandler     *handler.InternalHandler
	cfg                 *config.Config
}

func NewRouter(
	creditHandler *handler.CreditHandler,
	subscriptionHandler *handler.SubscriptionHandler,
	internalHandler *handler.InternalHandler,
	cfg *config.Config,
) *Router {
	return &Router{
		creditHandler:       creditHandler,
		subscriptionHandler: subscriptionHandler,
		internalHandler:     internalHandler,
		cfg:                 cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(r.cfg.CORS))

	engine.GET("/healthz", func(c *gin.Context) {
		c.String(200, "ok")
	})
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	// 用户接口
	api := engine.Group("/api/v1")
	api.Use(middleware.Auth(r.cfg.JWT.Secret))
	{
		credits := api.Group("/credits")
		{
			credits.GET("", r.creditHandler.Summary)
			credits.GET("/transactions", r.creditHandler.Transactions)
			credits.GET("/expiry", r.creditHandler.Expiry)
			credits.GET("/check",
				middleware.RequireBalance(r.creditHandler.BalanceChecker(), middleware.AmountQuery("amount")),
				r.creditHandler.Check,
			)
		}

		sub := api.Group("/subscription")
		{
			sub.GET("", r.subscriptionHandler.Status)
			sub.POST("/cancel", r.subscriptionHandler.Cancel)
			sub.POST("/downgrade", r.subscriptionHandler.Downgrade)
		}
	}

	// 服务间接口
	internal := engine.Group("/internal/v1")
	internal.Use(middleware.InternalAuth(r.cfg.Internal.Token))
	{
		internal.POST("/credits/grant", r.internalHandler.Grant)
		internal.POST("/credits/consume", r.internalHandler.Consume)
		internal.GET("/credits/:user_id/balance", r.internalHandler.Balance)
		internal.POST("/events", r.internalHandler.Event)
		internal.POST("/subscriptions/tier-changed", r.internalHandler.TierChanged)
		internal.POST("/subscriptions/:id/ended", r.internalHandler.PeriodEnded)
		internal.POST("/sweeps/unfreeze", r.internalHandler.SweepUnfreeze)
	}

	return engine
}
