package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tradebot-core/internal/bot"
	"tradebot-core/pkg/db"
)

// ---- auth ----

type credentialsRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

func (s *Server) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hash, err := s.auth.HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create account"})
		return
	}

	user := db.User{ID: uuid.NewString(), Email: req.Email, PasswordHash: hash}
	if err := s.queries.CreateUser(c.Request.Context(), user); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
		return
	}

	token, err := s.auth.IssueToken(user.ID, user.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "user_id": user.ID})
}

func (s *Server) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := s.queries.GetUserByEmail(c.Request.Context(), req.Email)
	if err != nil || !s.auth.CheckPassword(user.PasswordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.auth.IssueToken(user.ID, user.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user_id": user.ID})
}

// ---- venue credentials ----

type venueCredentialRequest struct {
	Venue     string `json:"venue" binding:"required"`
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

func (s *Server) upsertVenueCredential(c *gin.Context) {
	var req venueCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	keyEnc, err := s.encryptor.Encrypt(req.APIKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store credential"})
		return
	}
	secretEnc, err := s.encryptor.Encrypt(req.APISecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store credential"})
		return
	}

	err = s.queries.UpsertVenueCredential(c.Request.Context(), db.VenueCredential{
		ID:                 uuid.NewString(),
		UserID:             currentUser(c),
		Venue:              req.Venue,
		APIKeyEncrypted:    keyEnc,
		APISecretEncrypted: secretEnc,
		KeyVersion:         s.encryptor.Version(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store credential"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"venue": req.Venue, "stored": true})
}

// ---- bots ----

type createBotRequest struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Symbol          string  `json:"symbol" binding:"required"`
	Timeframe       string  `json:"timeframe" binding:"required"`
	TradeAmount     float64 `json:"trade_amount" binding:"required"`
	Venue           string  `json:"venue" binding:"required"`
	MaxActiveTrades int     `json:"max_active_trades"`
	StopLossPct     float64 `json:"stop_loss_pct" binding:"required"`
	TakeProfitPct   float64 `json:"take_profit_pct" binding:"required"`
	Strategy        string  `json:"strategy"`
	AutoStart       bool    `json:"auto_start"`
}

func (s *Server) createBot(c *gin.Context) {
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.MaxActiveTrades == 0 {
		req.MaxActiveTrades = 1
	}
	if req.Strategy == "" {
		req.Strategy = bot.StrategyIndicator
	}

	cfg := bot.Config{
		ID:              req.ID,
		Name:            req.Name,
		Symbol:          req.Symbol,
		Timeframe:       req.Timeframe,
		TradeAmount:     req.TradeAmount,
		Venue:           req.Venue,
		MaxActiveTrades: req.MaxActiveTrades,
		StopLossPct:     req.StopLossPct,
		TakeProfitPct:   req.TakeProfitPct,
		Strategy:        req.Strategy,
	}
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := currentUser(c)
	if err := s.queries.UpsertBotConfig(c.Request.Context(), db.BotConfig{
		ID:              cfg.ID,
		UserID:          userID,
		Name:            cfg.Name,
		Symbol:          cfg.Symbol,
		Timeframe:       cfg.Timeframe,
		TradeAmount:     cfg.TradeAmount,
		Venue:           cfg.Venue,
		MaxActiveTrades: cfg.MaxActiveTrades,
		StopLossPct:     cfg.StopLossPct,
		TakeProfitPct:   cfg.TakeProfitPct,
		Strategy:        cfg.Strategy,
		AutoStart:       req.AutoStart,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not persist bot"})
		return
	}

	started, err := s.registry.Start(c.Request.Context(), userID, cfg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"started": false, "error": err.Error()})
		return
	}
	if !started {
		c.JSON(http.StatusConflict, gin.H{"started": false, "error": "bot already running"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"started": true, "bot_id": cfg.ID})
}

func (s *Server) stopBot(c *gin.Context) {
	stopped, err := s.registry.Stop(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"stopped": stopped, "error": err.Error()})
		return
	}
	if !stopped {
		c.JSON(http.StatusNotFound, gin.H{"stopped": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) botStatus(c *gin.Context) {
	status, err := s.registry.Status(currentUser(c), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "bot not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":        string(status.State),
		"last_error":   status.LastError,
		"iterations":   status.Iterations,
		"trades_total": status.TradesTotal,
		"error_streak": status.ErrorStreak,
	})
}

func (s *Server) blockedBalance(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol query parameter is required"})
		return
	}
	finished := c.Query("finished") == "true"

	b, err := s.queries.GetBlockedBalance(c.Request.Context(), currentUser(c), symbol, c.Param("id"), finished)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no matching position"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"amount_usdt":     b.AmountUsdt,
		"amount_crypto":   b.AmountCrypto,
		"start_direction": b.StartDirection,
		"finished":        b.Finished,
		"venue":           b.Venue,
	})
}

// ---- account data ----

func (s *Server) listWallets(c *gin.Context) {
	wallets, err := s.queries.ListWallets(c.Request.Context(), currentUser(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	out := make([]gin.H, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, gin.H{"currency": w.Currency, "venue": w.Venue, "amount": w.Amount})
	}
	c.JSON(http.StatusOK, gin.H{"wallets": out})
}

func (s *Server) listOrders(c *gin.Context) {
	orders, err := s.queries.GetOrdersByUser(c.Request.Context(), currentUser(c), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	out := make([]gin.H, 0, len(orders))
	for _, o := range orders {
		out = append(out, gin.H{
			"id":         o.ID,
			"symbol":     o.Symbol,
			"side":       o.Side,
			"filled_qty": o.FilledQty,
			"cost":       o.Cost,
			"fee":        o.Fee,
			"venue":      o.Venue,
			"placed_by":  o.PlacedBy,
			"status":     o.Status,
			"created_at": o.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

// ---- system ----

func (s *Server) systemMetrics(c *gin.Context) {
	m := s.monitor.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds":    int64(time.Since(m.StartedAt).Seconds()),
		"orders_filled":     m.OrdersFilled,
		"orders_failed":     m.OrdersFailed,
		"positions_opened":  m.PositionsOpened,
		"positions_closed":  m.PositionsClosed,
		"risk_exits":        m.RiskExits,
		"bots_started":      m.BotsStarted,
		"bots_stopped":      m.BotsStopped,
		"bots_auto_stopped": m.BotsAutoStopped,
		"realized_total":    m.RealizedTotal,
		"bots_running":      s.registry.Running(),
	})
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
