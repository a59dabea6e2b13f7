// Package api serves the REST endpoints and the downstream WebSocket.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/artificial"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/events"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/order"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/stream"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/subscription"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/cache"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/db"
)

// StreamControl is the part of the gateway the API exposes.
type StreamControl interface {
	Restart(t stream.Type) error
	Statuses() []stream.Status
	ConnectionStatus() events.ConnectionStatus
	Ready() bool
}

// MarketClock reports whether the regular trading session is open.
type MarketClock interface {
	IsOpen(t time.Time) bool
}

// HistoryReader returns the journaled transitions of an artificial order.
type HistoryReader interface {
	History(ctx context.Context, orderID string) ([]db.Transition, error)
}

// Deps are the collaborators of the server. Journal, Prices and Session may be nil.
type Deps struct {
	Bus               *events.Bus
	Mux               *subscription.Multiplexer
	Orders            *order.Service
	Artificial        *artificial.Engine
	Streams           StreamControl
	Journal           HistoryReader
	Prices            *cache.PriceCache
	Session           MarketClock
	JWTSecret         string
	AdminPasswordHash string
	Logger            *slog.Logger
}

// Server wires HTTP endpoints and the WebSocket hub.
type Server struct {
	Router *gin.Engine
	Hub    *Hub

	bus               *events.Bus
	mux               *subscription.Multiplexer
	orders            *order.Service
	artificial        *artificial.Engine
	streams           StreamControl
	journal           HistoryReader
	prices            *cache.PriceCache
	priceToken        events.Token
	session           MarketClock
	jwtSecret         string
	adminPasswordHash string
	log               *slog.Logger
	http              *http.Server
}

func NewServer(d Deps) *Server {
	logger := d.Logger.With("component", "api")
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger))
	r.Use(RateLimitMiddleware(20, 50, logger))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:            r,
		Hub:               NewHub(d.Bus, d.Mux, d.Streams.ConnectionStatus, d.Logger),
		bus:               d.Bus,
		mux:               d.Mux,
		orders:            d.Orders,
		artificial:        d.Artificial,
		streams:           d.Streams,
		journal:           d.Journal,
		prices:            d.Prices,
		session:           d.Session,
		jwtSecret:         d.JWTSecret,
		adminPasswordHash: d.AdminPasswordHash,
		log:               logger,
	}
	if s.prices != nil {
		s.priceToken = s.bus.Subscribe(events.Topic{Channel: events.ChannelTrades, Symbol: events.AnySymbol}, s.trackPrice)
	}
	s.routes()
	return s
}

func (s *Server) trackPrice(ev events.Event) {
	if t, ok := ev.(events.Trade); ok {
		s.prices.Set(cache.Price{Symbol: t.Symbol, Price: t.Price, Size: t.Size, Timestamp: t.Timestamp})
	}
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", s.serveWS)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.jwtSecret))
		{
			protected.GET("/stream/status", s.getStreamStatus)
			protected.POST("/stream/restart", s.restartStream)

			protected.POST("/orders", s.createOrder)
			protected.GET("/orders", s.listOrders)
			protected.GET("/orders/:id", s.getOrder)
			protected.DELETE("/orders/:id", s.cancelOrder)

			protected.GET("/account", s.getAccount)
			protected.GET("/positions", s.getPositions)
			protected.GET("/assets/:symbol", s.getAsset)
			protected.GET("/bars/:symbol", s.getBars)
			protected.GET("/prices", s.listPrices)
			protected.GET("/prices/:symbol", s.getPrice)

			protected.POST("/artificial-orders", s.createArtificialOrder)
			protected.GET("/artificial-orders", s.listArtificialOrders)
			protected.GET("/artificial-orders/:id", s.getArtificialOrder)
			protected.DELETE("/artificial-orders/:id", s.cancelArtificialOrder)
			protected.GET("/artificial-orders/:id/history", s.getArtificialHistory)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	now := time.Now()
	body := gin.H{
		"status": "ok",
		"ready":  s.streams.Ready(),
		"time":   now.UTC(),
	}
	if s.session != nil {
		body["marketOpen"] = s.session.IsOpen(now)
	}
	c.JSON(http.StatusOK, body)
}

// Start runs the hub and serves HTTP until Shutdown.
func (s *Server) Start(addr string) error {
	s.Hub.Start()
	s.http = &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	s.log.Info("http server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and disconnects WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	if s.prices != nil {
		s.bus.Unsubscribe(s.priceToken)
	}
	s.Hub.Stop()
	return err
}
