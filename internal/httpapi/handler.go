// Package httpapi exposes the session-key lifecycle and transaction
// submission over HTTP. Routes are mounted onto an authenticated Gin group;
// the wallet address recovered by the auth middleware is the funding source
// for the fund operation.
package httpapi

import (
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0xjba/session-keys/internal/auth"
	"github.com/0xjba/session-keys/internal/errs"
	"github.com/0xjba/session-keys/internal/provider"
	"github.com/0xjba/session-keys/internal/sessionkey"
	"github.com/0xjba/session-keys/internal/state"
	"github.com/0xjba/session-keys/internal/txbuilder"
)

// Handler wires the session-key routes onto a Gin engine.
type Handler struct {
	keys  *sessionkey.Manager
	txs   *txbuilder.Builder
	store *state.Store
	prov  provider.Provider
	log   *zap.Logger
}

func NewHandler(keys *sessionkey.Manager, txs *txbuilder.Builder, store *state.Store, prov provider.Provider, log *zap.Logger) *Handler {
	return &Handler{keys: keys, txs: txs, store: store, prov: prov, log: log}
}

// Register mounts all routes. The auth middleware should already be applied
// to the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/session", h.handleState)
	rg.POST("/session", h.handleCreate)
	rg.DELETE("/session", h.handleDelete)

	rg.POST("/session/fund", h.handleFund)
	rg.POST("/session/activate", h.handleActivate)
	rg.POST("/session/deactivate", h.handleDeactivate)
	rg.POST("/session/cleanup", h.handleCleanup)

	rg.POST("/session/transaction", h.handleSendTransaction)
}

// ── State ──────────────────────────────────────────────────────────────────

type stateResponse struct {
	SessionKey string         `json:"sessionKey"`
	IsActive   bool           `json:"isActive"`
	IsLoading  bool           `json:"isLoading"`
	Balance    *state.Balance `json:"balance,omitempty"`
	Error      *errorBody     `json:"error,omitempty"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func toStateResponse(s state.State) stateResponse {
	out := stateResponse{
		SessionKey: s.SessionKey,
		IsActive:   s.IsActive,
		IsLoading:  s.IsLoading,
		Balance:    s.Balance,
	}
	if s.Err != nil {
		out.Error = &errorBody{Kind: s.Err.Kind.String(), Message: s.Err.Msg}
	}
	return out
}

func (h *Handler) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, toStateResponse(h.store.Snapshot()))
}

// ── Lifecycle ──────────────────────────────────────────────────────────────

func (h *Handler) handleCreate(c *gin.Context) {
	addr, err := h.keys.Create(c.Request.Context(), h.prov)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionKey": addr})
}

type fundRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (h *Handler) handleFund(c *gin.Context) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount is required"})
		return
	}

	snap := h.store.Snapshot()
	if snap.SessionKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session key"})
		return
	}

	err := h.keys.Fund(c.Request.Context(), h.prov, snap.SessionKey, req.Amount, auth.Wallet(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toStateResponse(h.store.Snapshot()))
}

func (h *Handler) handleActivate(c *gin.Context) {
	if err := h.keys.Activate(c.Request.Context(), h.prov); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toStateResponse(h.store.Snapshot()))
}

func (h *Handler) handleDeactivate(c *gin.Context) {
	if err := h.keys.Deactivate(c.Request.Context(), h.prov); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toStateResponse(h.store.Snapshot()))
}

func (h *Handler) handleDelete(c *gin.Context) {
	if err := h.keys.Delete(c.Request.Context(), h.prov); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toStateResponse(h.store.Snapshot()))
}

func (h *Handler) handleCleanup(c *gin.Context) {
	if err := h.keys.Cleanup(c.Request.Context(), h.prov); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toStateResponse(h.store.Snapshot()))
}

// ── Transactions ───────────────────────────────────────────────────────────

type sendTxRequest struct {
	To    string `json:"to" binding:"required"`
	Data  string `json:"data"`
	Value string `json:"value"`

	Nonce                *uint64 `json:"nonce"`
	GasLimit             *uint64 `json:"gasLimit"`
	MaxFeePerGas         string  `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string  `json:"maxPriorityFeePerGas"`
	Priority             string  `json:"priority"`
}

func (h *Handler) handleSendTransaction(c *gin.Context) {
	var req sendTxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to is required"})
		return
	}

	priority, ok := parsePriority(req.Priority)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "priority must be LOW, MEDIUM or HIGH"})
		return
	}

	params := txbuilder.TxParams{
		To:       req.To,
		Data:     req.Data,
		Value:    req.Value,
		Nonce:    req.Nonce,
		GasLimit: req.GasLimit,
		Priority: priority,
	}
	if req.MaxFeePerGas != "" && req.MaxPriorityFeePerGas != "" {
		maxFee, ok1 := new(big.Int).SetString(req.MaxFeePerGas, 10)
		tip, ok2 := new(big.Int).SetString(req.MaxPriorityFeePerGas, 10)
		if !ok1 || !ok2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fee overrides must be decimal wei"})
			return
		}
		params.MaxFeePerGas, params.MaxPriorityFeePerGas = maxFee, tip
	}

	hash, err := h.txs.SendTransaction(c.Request.Context(), h.prov, params)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactionHash": hash})
}

func parsePriority(s string) (txbuilder.Priority, bool) {
	switch strings.ToUpper(s) {
	case "", "LOW":
		return txbuilder.PriorityLow, true
	case "MEDIUM":
		return txbuilder.PriorityMedium, true
	case "HIGH":
		return txbuilder.PriorityHigh, true
	}
	return txbuilder.PriorityLow, false
}

// ── Error mapping ──────────────────────────────────────────────────────────

func (h *Handler) fail(c *gin.Context, err error) {
	var de *errs.Error
	if !errors.As(err, &de) {
		h.log.Error("unclassified handler failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	status := http.StatusBadGateway
	switch de.Kind {
	case errs.WrongNetwork:
		status = http.StatusConflict
	case errs.NoSessionKey:
		status = http.StatusNotFound
	case errs.EncodingFailure:
		status = http.StatusBadRequest
	case errs.ConfirmationTimeout:
		status = http.StatusGatewayTimeout
	}

	h.log.Warn("session operation failed",
		zap.String("kind", de.Kind.String()),
		zap.Error(de),
	)
	c.JSON(status, gin.H{"error": errorBody{Kind: de.Kind.String(), Message: de.Msg}})
}
