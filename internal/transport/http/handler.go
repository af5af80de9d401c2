package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/settlement-service/internal/callback"
	"github.com/richardliu001/settlement-service/internal/metrics"
	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/richardliu001/settlement-service/internal/repo"
	"github.com/richardliu001/settlement-service/internal/service"
	"github.com/richardliu001/settlement-service/internal/settings"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	callbackPath    = "/callback"
	maxCallbackBody = 1 << 20
)

type CallbackHandler interface {
	Handle(ctx context.Context, headerHash string, body []byte) (string, callback.Result)
}

type LedgerAdmin interface {
	ApplyTransaction(ctx context.Context, req service.TransactionRequest) (*service.Settlement, error)
	Transfer(ctx context.Context, req service.TransferRequest) (*service.TransferResult, error)
	Reconcile(ctx context.Context, userID, category string) (*service.Reconciliation, error)
	History(ctx context.Context, userID string, limit int, since time.Time) ([]model.Transaction, error)
}

type RTPAdmin interface {
	Current(ctx context.Context) (*model.RtpSetting, error)
	History(ctx context.Context, limit int) ([]model.RtpSetting, error)
	Update(ctx context.Context, u settings.RTPUpdate) (*model.RtpSetting, error)
	Adjust(ctx context.Context, actualProfitPercent decimal.Decimal) (*model.RtpSetting, bool, error)
}

type GGRAdmin interface {
	Settings(ctx context.Context) (*model.GgrFilterSetting, error)
	UpdateSettings(ctx context.Context, filterPercent, tolerance decimal.Decimal) (*model.GgrFilterSetting, error)
	Report(ctx context.Context, realGGR decimal.Decimal, reportContext string) (*settings.FilterResult, *model.GgrAuditLog, error)
	AuditLogs(ctx context.Context, limit, offset int) ([]model.GgrAuditLog, int64, error)
	Summary(ctx context.Context, start, end time.Time) (*settings.Summary, error)
}

type GameAdmin interface {
	List(ctx context.Context) ([]model.Game, error)
	Upsert(ctx context.Context, g model.Game) error
}

// Deps is everything the HTTP surface talks to.
type Deps struct {
	Callbacks  CallbackHandler
	Ledger     LedgerAdmin
	RTP        RTPAdmin
	GGR        GGRAdmin
	Catalog    GameAdmin
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	AdminToken string
	Log        *zap.SugaredLogger
}

func RegisterHandlers(r *gin.Engine, d Deps) {
	r.POST(callbackPath, callbackHandler(d))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	admin := r.Group("/admin", AdminAuthMiddleware(d.AdminToken))
	{
		admin.GET("/rtp", rtpCurrentHandler(d))
		admin.GET("/rtp/history", rtpHistoryHandler(d))
		admin.PUT("/rtp", rtpUpdateHandler(d))
		admin.POST("/rtp/adjust", rtpAdjustHandler(d))

		admin.GET("/ggr/settings", ggrSettingsHandler(d))
		admin.PUT("/ggr/settings", ggrUpdateHandler(d))
		admin.POST("/ggr/report", ggrReportHandler(d))
		admin.GET("/ggr/logs", ggrLogsHandler(d))
		admin.GET("/ggr/summary", ggrSummaryHandler(d))

		admin.GET("/users/:user_id/balances/:category", reconcileHandler(d))
		admin.GET("/users/:user_id/history", historyHandler(d))
		admin.POST("/users/:user_id/adjustments", adjustmentHandler(d))
		admin.POST("/users/:user_id/transfers", transferHandler(d))

		admin.GET("/games", gamesHandler(d))
		admin.PUT("/games/:game_id", gameUpsertHandler(d))
	}
}

// callbackHandler always answers 200; the outcome lives in the envelope.
func callbackHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		var (
			command string
			res     callback.Result
		)
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
		if err != nil {
			res = callback.Fail(callback.NewError(callback.KindProtocol, callback.CodeInvalidRequest, "unreadable body", err))
		} else {
			command, res = d.Callbacks.Handle(c.Request.Context(), c.GetHeader(callback.HeaderAuthorization), body)
		}
		d.Metrics.ObserveCallback(command, res.Status(), res.Code(), time.Since(start))
		c.JSON(http.StatusOK, res.Response())
	}
}

// statusFor maps service errors onto HTTP codes for the admin API.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, settings.ErrInvalidSetting):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDuplicateReference),
		errors.Is(err, service.ErrTransactionCancelled),
		errors.Is(err, service.ErrNotCancellable),
		errors.Is(err, service.ErrGameDisabled),
		errors.Is(err, repo.ErrInsufficientFunds),
		errors.Is(err, settings.ErrSettingConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, log *zap.SugaredLogger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Errorw("admin request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + key})
		return 0, false
	}
	return n, true
}

func timeQuery(c *gin.Context, key string, def time.Time) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + key})
		return time.Time{}, false
	}
	return t, true
}

func rtpCurrentHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		cur, err := d.RTP.Current(c)
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		c.JSON(http.StatusOK, cur)
	}
}

func rtpHistoryHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := intQuery(c, "limit", 50)
		if !ok {
			return
		}
		rows, err := d.RTP.History(c, limit)
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func rtpUpdateHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req settings.RTPUpdate
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		row, err := d.RTP.Update(c, req)
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		d.Metrics.SetEffectiveRTP(row.EffectiveRTP)
		c.JSON(http.StatusOK, row)
	}
}

type rtpAdjustReq struct {
	ActualProfitPercent *decimal.Decimal `json:"actual_profit_percent" binding:"required"`
}

func rtpAdjustHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rtpAdjustReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		row, changed, err := d.RTP.Adjust(c, *req.ActualProfitPercent)
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		d.Metrics.SetEffectiveRTP(row.EffectiveRTP)
		c.JSON(http.StatusOK, gin.H{"setting": row, "changed": changed})
	}
}

func ggrSettingsHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := d.GGR.Settings(c)
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

type ggrUpdateReq struct {
	FilterPercent *decimal.Decimal `json:"filter_percent" binding:"required"`
	Tolerance     *decimal.Decimal `json:"tolerance" binding:"required"`
}

func ggrUpdateHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ggrUpdateReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, err := d.GGR.UpdateSettings(c, *req.FilterPercent, *req.Tolerance)
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

type ggrReportReq struct {
	RealGGR *decimal.Decimal `json:"real_ggr" binding:"required"`
	Context string           `json:"context"`
}

func ggrReportHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ggrReportReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Context == "" {
			req.Context = "admin"
		}
		res, entry, err := d.GGR.Report(c, *req.RealGGR, req.Context)
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		d.Metrics.GGRReported()
		c.JSON(http.StatusOK, gin.H{"result": res, "audit": entry})
	}
}

func ggrLogsHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := intQuery(c, "limit", 50)
		if !ok {
			return
		}
		offset, ok := intQuery(c, "offset", 0)
		if !ok {
			return
		}
		rows, total, err := d.GGR.AuditLogs(c, limit, offset)
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": rows, "total": total})
	}
}

func ggrSummaryHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		end, ok := timeQuery(c, "end", time.Now().UTC())
		if !ok {
			return
		}
		start, ok := timeQuery(c, "start", end.Add(-24*time.Hour))
		if !ok {
			return
		}
		sum, err := d.GGR.Summary(c, start, end)
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		c.JSON(http.StatusOK, sum)
	}
}

func reconcileHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := d.Ledger.Reconcile(c, c.Param("user_id"), c.Param("category"))
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func historyHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := intQuery(c, "limit", 50)
		if !ok {
			return
		}
		since, ok := timeQuery(c, "since", time.Now().Add(-24*time.Hour))
		if !ok {
			return
		}
		txs, err := d.Ledger.History(c, c.Param("user_id"), limit, since)
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

type adjustmentReq struct {
	Category          string          `json:"category" binding:"required"`
	Amount            decimal.Decimal `json:"amount"`
	ExternalReference string          `json:"external_reference" binding:"required"`
	Currency          string          `json:"currency"`
	Reason            string          `json:"reason" binding:"required"`
}

func adjustmentHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req adjustmentReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Amount.IsZero() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be non-zero"})
			return
		}
		s, err := d.Ledger.ApplyTransaction(c, service.TransactionRequest{
			UserID:            c.Param("user_id"),
			Category:          req.Category,
			Type:              model.TxAdjustment,
			Amount:            req.Amount,
			ExternalReference: req.ExternalReference,
			Currency:          req.Currency,
			Actor:             "admin",
			Metadata:          map[string]interface{}{"reason": req.Reason},
		})
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": s.Balance, "transaction": s.Transaction, "replayed": s.Replayed})
	}
}

type transferReq struct {
	FromCategory      string          `json:"from_category" binding:"required"`
	ToCategory        string          `json:"to_category" binding:"required"`
	Amount            decimal.Decimal `json:"amount"`
	ExternalReference string          `json:"external_reference" binding:"required"`
	Currency          string          `json:"currency"`
}

func transferHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transferReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := d.Ledger.Transfer(c, service.TransferRequest{
			UserID:            c.Param("user_id"),
			FromCategory:      req.FromCategory,
			ToCategory:        req.ToCategory,
			Amount:            req.Amount,
			ExternalReference: req.ExternalReference,
			Currency:          req.Currency,
			Actor:             "admin",
		})
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func gamesHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		games, err := d.Catalog.List(c)
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		c.JSON(http.StatusOK, games)
	}
}

type gameReq struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	IsActive *bool  `json:"is_active" binding:"required"`
}

func gameUpsertHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req gameReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		g := model.Game{GameID: c.Param("game_id"), Name: req.Name, Category: req.Category, IsActive: *req.IsActive}
		if err := d.Catalog.Upsert(c, g); err != nil {
			fail(c, d.Log, err)
			return
		}
		c.JSON(http.StatusOK, g)
	}
}
