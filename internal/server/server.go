// Package server exposes the billing engine over HTTP. Handlers own the
// database transaction and invoke the billing and token services inside
// it, so a handler error rolls back the triggering write and everything
// the engine did in response.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/careops/carebilling/internal/account"
	"github.com/careops/carebilling/internal/billing"
	"github.com/careops/carebilling/internal/chargeitem"
	chargeitemdomain "github.com/careops/carebilling/internal/chargeitem/domain"
	"github.com/careops/carebilling/internal/config"
	"github.com/careops/carebilling/internal/invoice"
	"github.com/careops/carebilling/internal/ledger"
	ledgerdomain "github.com/careops/carebilling/internal/ledger/domain"
	"github.com/careops/carebilling/internal/locks"
	"github.com/careops/carebilling/internal/providers/pdf"
	"github.com/careops/carebilling/internal/token"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	locks.Module,
	ledger.Module,
	chargeitem.Module,
	invoice.Module,
	billing.Module,
	token.Module,
	account.Module,
	pdf.Module,
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CorrelationMiddleware())
	r.Use(RequestLogMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	genID      *snowflake.Node
	billingSvc *billing.Service
	tokenSvc   *token.Service
	applier    chargeitemdomain.Applier
	repo       ledgerdomain.Repository
	rebalancer *account.Rebalancer
	pdf        pdf.Provider
	log        *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	GenID      *snowflake.Node
	BillingSvc *billing.Service
	TokenSvc   *token.Service
	Applier    chargeitemdomain.Applier
	Repo       ledgerdomain.Repository
	Rebalancer *account.Rebalancer
	PDF        pdf.Provider
	Log        *zap.Logger
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		genID:      p.GenID,
		billingSvc: p.BillingSvc,
		tokenSvc:   p.TokenSvc,
		applier:    p.Applier,
		repo:       p.Repo,
		rebalancer: p.Rebalancer,
		pdf:        p.PDF,
		log:        p.Log.Named("http.server"),
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Bookings --------
	v1.POST("/bookings", s.CreateBooking)
	v1.GET("/bookings/:id", s.GetBookingByID)
	v1.PATCH("/bookings/:id/charge-item", s.AttachChargeItem)

	// -------- Payments --------
	v1.POST("/payments", s.RecordPayment)

	// -------- Invoices --------
	v1.GET("/invoices", s.ListInvoices)
	v1.GET("/invoices/:id", s.GetInvoiceByID)
	v1.GET("/invoices/:id/receipt.pdf", s.RenderReceipt)

	// -------- Accounts --------
	v1.GET("/accounts/:id", s.GetAccountByID)
	v1.POST("/accounts/:id/rebalance", s.RebalanceAccount)
}

func parseID(c *gin.Context, param string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(c.Param(param))
	if err != nil {
		return 0, newValidationError(param, "invalid_id", "invalid id")
	}
	return id, nil
}
