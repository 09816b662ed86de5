package web

import (
	"context"
	"net/http"
	"time"

	"github.com/ArkLabsHQ/swapd/internal/core/application"
	"github.com/ArkLabsHQ/swapd/internal/core/domain"
	"github.com/ArkLabsHQ/swapd/pkg/monitor"
	"github.com/ArkLabsHQ/swapd/pkg/swap"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// SwapService is the part of the application service exposed over HTTP.
type SwapService interface {
	PayInvoice(ctx context.Context, invoice, refundAddress string) (*application.PayResult, error)
	ReceivePayment(ctx context.Context, amount uint64, claimAddress string) (*domain.Swap, error)
	GetSwap(ctx context.Context, swapId string) (*domain.Swap, error)
	ListSwaps(ctx context.Context, pendingOnly bool) ([]domain.Swap, error)
	RefundSwap(ctx context.Context, swapId string) (string, error)
	Subscribe(swapId string) (<-chan swap.Progress, func())
	Tasks() monitor.MonitorStatus
}

type Service struct {
	cfg        Config
	httpServer *http.Server
}

func NewService(cfg Config, svc SwapService, buildInfo application.BuildInfo) *Service {
	return &Service{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:              cfg.address(),
			Handler:           NewRouter(svc, buildInfo, cfg.Network),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// NewRouter registers every route of the API under /v1.
func NewRouter(svc SwapService, buildInfo application.BuildInfo, network string) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), loggerMiddleware())

	h := &handler{svc: svc, buildInfo: buildInfo, network: network}

	router.GET("/healthz", h.health)

	v1 := router.Group("/v1")
	v1.GET("/info", h.info)
	v1.GET("/tasks", h.tasks)
	v1.POST("/swaps/submarine", h.payInvoice)
	v1.POST("/swaps/reverse", h.receivePayment)
	v1.GET("/swaps", h.listSwaps)
	v1.GET("/swaps/:id", h.getSwap)
	v1.POST("/swaps/:id/refund", h.refundSwap)
	v1.GET("/swaps/:id/events", h.swapEvents)

	return router
}

func (s *Service) Start() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server stopped")
		}
	}()
	log.Infof("started HTTP server at %s", s.cfg.address())
	return nil
}

func (s *Service) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// nolint:all
	s.httpServer.Shutdown(ctx)
	log.Info("stopped HTTP server")
}
