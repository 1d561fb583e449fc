package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gin-gonic/gin"

	"github.com/rawblock/coinjoin-wallet/internal/db"
	"github.com/rawblock/coinjoin-wallet/internal/service"
	"github.com/rawblock/coinjoin-wallet/internal/wallet"
	"github.com/rawblock/coinjoin-wallet/pkg/models"
)

// APIHandler serves the wallet service's HTTP surface. All state lives in
// the service; handlers only translate.
type APIHandler struct {
	svc     *service.WalletService
	dbStore *db.PostgresStore
	wsHub   *Hub
}

// RouterConfig carries the binary-provided knobs for the HTTP layer.
type RouterConfig struct {
	AuthToken      string
	AllowedOrigins string
}

func SetupRouter(svc *service.WalletService, dbStore *db.PostgresStore, wsHub *Hub, cfg RouterConfig) *gin.Engine {
	r := gin.Default()

	r.Use(corsMiddleware(cfg.AllowedOrigins))

	handler := &APIHandler{svc: svc, dbStore: dbStore, wsHub: wsHub}

	// ── Public endpoints (no auth) ─────────────────────────────
	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
	}

	// ── Protected endpoints (bearer token, rate limited) ───────
	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware(cfg.AuthToken))
	// Address hand-out burns derivation indices; keep callers honest.
	auth.Use(NewRateLimiter(30, 5).Middleware())
	{
		auth.GET("/balance", handler.handleBalance)
		auth.GET("/utxos", handler.handleUTXOs)
		auth.POST("/address/external", handler.handleExternalAddress)
		auth.POST("/address/internal", handler.handleInternalAddress)
		auth.POST("/freeze", handler.handleFreeze)
		auth.GET("/fee", handler.handleFee)
		auth.GET("/events", handler.handleEvents)
	}

	return r
}

// corsMiddleware parses the comma-separated origin allowlist once at router
// construction. An empty or "*" list opens the API to any origin, which is
// only appropriate for a localhost-bound daemon.
func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	allowAll := allowedOrigins == "" || allowedOrigins == "*"
	allowed := make(map[string]bool)
	for _, origin := range strings.Split(allowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = true
		}
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin, Cache-Control")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"synced":      h.svc.Synced(),
		"blockheight": h.svc.CurrentBlockheight(),
		"network":     h.svc.Wallet().Network(),
		"walletId":    h.svc.Wallet().WalletID(),
	})
}

func (h *APIHandler) handleBalance(c *gin.Context) {
	includeDisabled := c.Query("include_disabled") == "true"
	minconfs, _ := strconv.ParseInt(c.DefaultQuery("minconfs", "0"), 10, 64)

	balances := h.svc.BalanceByMixdepth(includeDisabled, minconfs)
	out := make([]models.BalanceSnapshot, 0, len(balances))
	for md := uint32(0); md <= h.svc.Wallet().MaxMixdepth(); md++ {
		out = append(out, models.BalanceSnapshot{Mixdepth: md, Sats: balances[md]})
	}
	c.JSON(http.StatusOK, gin.H{"balances": out})
}

func (h *APIHandler) handleUTXOs(c *gin.Context) {
	includeDisabled := c.Query("include_disabled") == "true"
	views, err := h.svc.UTXOsWithConfs(includeDisabled)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"utxos": views})
}

type addressRequest struct {
	Mixdepth uint32 `json:"mixdepth"`
}

func (h *APIHandler) handleExternalAddress(c *gin.Context) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	addr, err := h.svc.GetExternalAddr(req.Mixdepth)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, wallet.ErrNewScriptsDisabled) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "mixdepth": req.Mixdepth})
}

func (h *APIHandler) handleInternalAddress(c *gin.Context) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	addr, err := h.svc.GetInternalAddr(req.Mixdepth)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, wallet.ErrNewScriptsDisabled) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "mixdepth": req.Mixdepth})
}

type freezeRequest struct {
	Outpoint string `json:"outpoint"` // "txid:vout"
	Disable  *bool  `json:"disable"`  // nil toggles
}

func parseOutpoint(s string) ([]byte, uint32, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return nil, 0, errors.New("outpoint must be txid:vout")
	}
	hash, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return nil, 0, err
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, 0, err
	}
	return hash[:], uint32(vout), nil
}

func (h *APIHandler) handleFreeze(c *gin.Context) {
	var req freezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	txid, vout, err := parseOutpoint(req.Outpoint)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w := h.svc.Wallet()
	if req.Disable == nil {
		err = w.ToggleDisableUTXO(txid, vout)
	} else {
		err = w.DisableUTXO(txid, vout, *req.Disable)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outpoint": req.Outpoint,
		"disabled": w.UTXOs().IsDisabled(txid, vout),
	})
}

func (h *APIHandler) handleFee(c *gin.Context) {
	ins, _ := strconv.Atoi(c.DefaultQuery("ins", "1"))
	outs, _ := strconv.Atoi(c.DefaultQuery("outs", "2"))
	fee, err := h.svc.EstimateTxFee(ins, outs)
	if err != nil {
		if errors.Is(err, wallet.ErrAbsurdFee) {
			// an absurd fee estimate is fatal: shut the daemon down
			log.Fatalf("FATAL: %v", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fee": fee, "ins": ins, "outs": outs, "txType": h.svc.Wallet().TxType()})
}

func (h *APIHandler) handleEvents(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "event journal not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	events, err := h.dbStore.RecentEvents(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
