package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/apperr"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/artificial"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/order"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/stream"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/broker"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":    code,
		"message": msg,
	})
}

// respondAppError maps a typed error onto the REST error body.
func respondAppError(c *gin.Context, err error) {
	respondError(c, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := newClient("ws:"+uuid.NewString(), s.Hub, conn)
	if !s.Hub.join(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// Stream control

func (s *Server) getStreamStatus(c *gin.Context) {
	body := gin.H{
		"streams":    s.streams.Statuses(),
		"connection": s.streams.ConnectionStatus(),
		"upstream":   s.mux.Snapshot(),
	}
	if s.session != nil {
		body["marketOpen"] = s.session.IsOpen(time.Now())
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) restartStream(c *gin.Context) {
	var req struct {
		Stream string `json:"stream"`
	}
	// An empty body restarts both streams.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
			return
		}
	}
	if err := s.streams.Restart(stream.Type(req.Stream)); err != nil {
		respondAppError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "restarting", "stream": req.Stream})
}

// Direct orders

func (s *Server) createOrder(c *gin.Context) {
	var req order.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	res, err := s.orders.Submit(c.Request.Context(), req)
	if err != nil {
		respondAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) listOrders(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		respondAppError(c, err)
		return
	}
	orders, err := s.orders.List(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		respondAppError(c, err)
		return
	}
	if orders == nil {
		orders = []broker.Order{}
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) cancelOrder(c *gin.Context) {
	if err := s.orders.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		respondAppError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Pass-through reads

func (s *Server) getAccount(c *gin.Context) {
	acct, err := s.orders.Account(c.Request.Context())
	if err != nil {
		respondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.orders.Positions(c.Request.Context())
	if err != nil {
		respondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getAsset(c *gin.Context) {
	asset, err := s.orders.Asset(c.Request.Context(), strings.ToUpper(c.Param("symbol")))
	if err != nil {
		respondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, asset)
}

func (s *Server) getBars(c *gin.Context) {
	req := broker.BarsRequest{TimeFrame: c.DefaultQuery("timeframe", "1Day")}
	var err error
	if req.Start, err = queryTime(c, "start"); err != nil {
		respondAppError(c, err)
		return
	}
	if req.End, err = queryTime(c, "end"); err != nil {
		respondAppError(c, err)
		return
	}
	if req.Limit, err = queryInt(c, "limit", 100); err != nil {
		respondAppError(c, err)
		return
	}
	symbol := strings.ToUpper(c.Param("symbol"))
	bars, err := s.orders.Bars(c.Request.Context(), symbol, req)
	if err != nil {
		respondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "timeframe": req.TimeFrame, "bars": bars})
}

// Last trade prices seen on the market data stream

func (s *Server) listPrices(c *gin.Context) {
	if s.prices == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	prices := s.prices.All()
	if prices == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	c.JSON(http.StatusOK, prices)
}

func (s *Server) getPrice(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	if s.prices != nil {
		if p, ok := s.prices.Get(symbol); ok {
			c.JSON(http.StatusOK, p)
			return
		}
	}
	respondError(c, http.StatusNotFound, "PRICE_NOT_FOUND", "no trade seen for "+symbol+"; subscribe to its trades first")
}

// Artificial orders

func (s *Server) createArtificialOrder(c *gin.Context) {
	var req artificial.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	o, err := s.artificial.Create(req)
	if err != nil {
		respondAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (s *Server) listArtificialOrders(c *gin.Context) {
	var status artificial.Status
	if raw := c.Query("status"); raw != "" {
		st, err := artificial.ParseStatus(raw)
		if err != nil {
			respondAppError(c, err)
			return
		}
		status = st
	}
	c.JSON(http.StatusOK, s.artificial.List(status))
}

func (s *Server) getArtificialOrder(c *gin.Context) {
	o, err := s.artificial.Get(c.Param("id"))
	if err != nil {
		respondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) cancelArtificialOrder(c *gin.Context) {
	o, err := s.artificial.Cancel(c.Param("id"))
	if err != nil {
		respondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) getArtificialHistory(c *gin.Context) {
	if s.journal == nil {
		respondError(c, http.StatusNotFound, "JOURNAL_DISABLED", "execution journal is not configured")
		return
	}
	id := c.Param("id")
	history, err := s.journal.History(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if len(history) == 0 {
		if _, err := s.artificial.Get(id); err != nil {
			respondAppError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"orderId": id, "transitions": history})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.Invalid(key, "%s must be a non-negative integer", key)
	}
	return v, nil
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, apperr.Invalid(key, "%s must be RFC3339 or YYYY-MM-DD", key)
}
