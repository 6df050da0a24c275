package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"FHCElite/internal/domain"
	"FHCElite/internal/domain/models"
	"FHCElite/internal/middleware"
	"FHCElite/internal/usecase"
	xhttp "FHCElite/pkg/http"
	httpmw "FHCElite/pkg/http/middleware"
	xlogger "FHCElite/pkg/logger"
	"FHCElite/pkg/util"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// FHCEchoHandler serves the dashboard API.
type FHCEchoHandler struct {
	logger     *xlogger.Logger
	reconciler *usecase.Reconciler
	board      *usecase.QuoteBoard
	retention  *usecase.RetentionJob
	summary    *usecase.NewsSummary
	hub        *middleware.QuoteHub
	limiter    httpmw.Allower
	upgrader   websocket.Upgrader
}

func NewFHCEchoHandler(
	logger *xlogger.Logger,
	reconciler *usecase.Reconciler,
	board *usecase.QuoteBoard,
	retention *usecase.RetentionJob,
	summary *usecase.NewsSummary,
	hub *middleware.QuoteHub,
	limiter httpmw.Allower,
) *FHCEchoHandler {
	return &FHCEchoHandler{
		logger:     logger,
		reconciler: reconciler,
		board:      board,
		retention:  retention,
		summary:    summary,
		hub:        hub,
		limiter:    limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *FHCEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	e.GET("/ws/quotes", h.StreamQuotes)

	g := e.Group("/api")
	g.GET("/stock-prices/intraday", h.Intraday)
	g.GET("/stock-prices/realtime", h.Realtime)
	g.GET("/market-indices", h.Indices)
	g.GET("/quotes", h.Quotes)
	g.GET("/quotes/:id", h.Quote)
	g.POST("/maintenance/purge", h.Purge)

	if h.limiter != nil {
		g.POST("/ai-summary", h.Summary, httpmw.RateLimit(h.limiter))
	} else {
		g.POST("/ai-summary", h.Summary)
	}
}

func (h *FHCEchoHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"subscribers": h.hub.Subscribers(),
	})
}

// Intraday returns the session timeline of stockId. Past dates are read from
// the store; today's timeline is served through the quote board, which only
// reconciles against upstream once its cached entry is older than quote_ttl.
func (h *FHCEchoHandler) Intraday(c echo.Context) error {
	req := &models.IntradayRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ctx := c.Request().Context()
	clock := h.reconciler.Clock()
	today := clock.Today(h.reconciler.Now())

	var (
		points []models.TimelinePoint
		stale  bool
	)
	date, ok := util.ParseDateIn(req.Date, clock.Location())
	if ok && clock.Date(date) != today {
		view, err := h.reconciler.Timeline(ctx, req.StockID, clock.Date(date))
		if err != nil {
			h.logger.Error("intraday timeline error", xlogger.String("instrument", req.StockID), xlogger.Error(err))
			return xhttp.AppErrorResponse(c, xhttp.InternalError("timeline unavailable").WithError(err))
		}
		points = view.Points
	} else {
		q, err := h.board.Get(ctx, req.StockID)
		switch {
		case err == nil:
			points, stale = q.Timeline, q.Stale
		case errors.Is(err, domain.ErrNoData):
			// nothing priced yet: an all-null session from what the store holds
			view, terr := h.reconciler.Timeline(ctx, req.StockID, today)
			if terr != nil {
				h.logger.Error("intraday timeline error", xlogger.String("instrument", req.StockID), xlogger.Error(terr))
				return xhttp.AppErrorResponse(c, xhttp.InternalError("timeline unavailable").WithError(terr))
			}
			points, stale = view.Points, true
		default:
			h.logger.Error("intraday reconcile error", xlogger.String("instrument", req.StockID), xlogger.Error(err))
			return xhttp.AppErrorResponse(c, xhttp.InternalError("timeline unavailable").WithError(err))
		}
	}
	if stale {
		c.Response().Header().Set("X-Data-Stale", "true")
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=3")
	return xhttp.SuccessResponse(c, points)
}

// Indices returns the market-index tiles.
func (h *FHCEchoHandler) Indices(c echo.Context) error {
	indices, err := h.board.Indices(c.Request().Context())
	if err != nil {
		h.logger.Warn("market indices unavailable", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UpstreamError("market indices unavailable").WithError(err))
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=60")
	return xhttp.SuccessResponse(c, indices)
}

func (h *FHCEchoHandler) Realtime(c echo.Context) error {
	records, err := h.board.Daily(c.Request().Context())
	if err != nil {
		h.logger.Warn("daily snapshot unavailable", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UpstreamError("daily snapshot unavailable").WithError(err))
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=300")
	return xhttp.SuccessResponse(c, records)
}

func (h *FHCEchoHandler) Quotes(c echo.Context) error {
	quotes, err := h.board.Snapshot(c.Request().Context())
	if err != nil {
		h.logger.Error("board snapshot error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.ListResponse(c, quotes, int64(len(quotes)))
}

func (h *FHCEchoHandler) Quote(c echo.Context) error {
	req := &models.QuoteRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	q, err := h.board.Get(c.Request().Context(), req.ID)
	if errors.Is(err, domain.ErrNoData) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no data for %s", req.ID))
	}
	if err != nil {
		h.logger.Error("quote error", xlogger.String("instrument", req.ID), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("quote unavailable").WithError(err))
	}
	return xhttp.SuccessResponse(c, q)
}

func (h *FHCEchoHandler) Summary(c echo.Context) error {
	req := &models.SummaryRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	return xhttp.SuccessResponse(c, h.summary.Summarize(c.Request().Context(), *req))
}

func (h *FHCEchoHandler) Purge(c echo.Context) error {
	req := &models.PurgeRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	n, err := h.retention.PurgeOlderThan(c.Request().Context(), time.Duration(req.RetentionHours)*time.Hour)
	if err != nil {
		h.logger.Error("purge error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("purge failed").WithError(err))
	}
	return xhttp.SuccessResponse(c, map[string]int64{"deleted": n})
}

// StreamQuotes pushes every board update to the client until it disconnects.
func (h *FHCEchoHandler) StreamQuotes(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	updates, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if quotes, err := h.board.Snapshot(ctx); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(quotes); err != nil {
			return nil
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case q, ok := <-updates:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(q); err != nil {
				h.logger.Debug("websocket write failed", xlogger.Error(err))
				return nil
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}
