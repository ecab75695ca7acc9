package server

import (
	"net/http"
	"strings"
	"time"

	ledgerdomain "github.com/Gegcuk/tokenledger/internal/ledger/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type reservationResponse struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"account_id"`
	EstimatedTokens int64     `json:"estimated_tokens"`
	State           string    `json:"state"`
	IdempotencyKey  string    `json:"idempotency_key"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func toReservationResponse(res *ledgerdomain.Reservation) reservationResponse {
	return reservationResponse{
		ID:              res.ID.String(),
		AccountID:       res.AccountID.String(),
		EstimatedTokens: res.EstimatedTokens,
		State:           string(res.State),
		IdempotencyKey:  res.IdempotencyKey,
		CreatedAt:       res.CreatedAt,
		ExpiresAt:       res.ExpiresAt,
	}
}

type balanceResponse struct {
	AccountID      string `json:"account_id"`
	Available      int64  `json:"available"`
	Reserved       int64  `json:"reserved"`
	InitialTokens  int64  `json:"initial_tokens"`
	TotalCredited  int64  `json:"total_credited"`
	TotalCommitted int64  `json:"total_committed"`
	TotalAdjusted  int64  `json:"total_adjusted"`
}

type createReservationRequest struct {
	AccountID   string `json:"account_id"`
	ExternalRef string `json:"external_ref"`
	// EstimatedTokens is a pre-converted billing-token amount. Callers that
	// only know raw model usage send EstimatedLLMTokens instead and the
	// ratio plus safety factor are applied here.
	EstimatedTokens    int64  `json:"estimated_tokens"`
	EstimatedLLMTokens int64  `json:"estimated_llm_tokens"`
	IdempotencyKey     string `json:"idempotency_key"`
}

func (s *Server) CreateReservation(c *gin.Context) {
	var req createReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	accountID, err := s.resolveAccountID(c, req.AccountID, req.ExternalRef)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	estimated := req.EstimatedTokens
	if estimated == 0 && req.EstimatedLLMTokens > 0 {
		estimated = ledgerdomain.EstimateWithSafety(
			ledgerdomain.BillingTokens(req.EstimatedLLMTokens, s.cfg.Ledger.TokenRatio),
			s.cfg.Ledger.SafetyFactor,
		)
	}

	res, err := s.ledgerSvc.Reserve(c.Request.Context(), ledgerdomain.ReserveRequest{
		AccountID:       accountID,
		EstimatedTokens: estimated,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toReservationResponse(res))
}

type commitReservationRequest struct {
	ActualTokens int64 `json:"actual_tokens"`
}

func (s *Server) CommitReservation(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid reservation id"))
		return
	}

	var req commitReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.ledgerSvc.Commit(c.Request.Context(), id, req.ActualTokens)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reservation":      toReservationResponse(result.Reservation),
		"committed_tokens": result.CommittedTokens,
		"released_tokens":  result.ReleasedTokens,
	})
}

func (s *Server) ReleaseReservation(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid reservation id"))
		return
	}

	res, err := s.ledgerSvc.Release(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toReservationResponse(res))
}

func (s *Server) CancelReservation(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid reservation id"))
		return
	}

	res, err := s.ledgerSvc.Cancel(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toReservationResponse(res))
}

func (s *Server) GetReservation(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid reservation id"))
		return
	}

	res, err := s.ledgerSvc.GetReservation(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toReservationResponse(res))
}

func (s *Server) GetBalance(c *gin.Context) {
	accountID, err := s.resolveAccountID(c, c.Param("id"), "")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.ledgerSvc.AvailableTokens(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{
		AccountID:      balance.AccountID.String(),
		Available:      balance.Available,
		Reserved:       balance.Reserved,
		InitialTokens:  balance.InitialTokens,
		TotalCredited:  balance.TotalCredited,
		TotalCommitted: balance.TotalCommitted,
		TotalAdjusted:  balance.TotalAdjusted,
	})
}

type adjustBalanceRequest struct {
	Tokens         int64  `json:"tokens"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// AdjustBalance is the operator's corrective entry: grants, clawbacks,
// support credits. The ledger enforces the idempotency key contract.
func (s *Server) AdjustBalance(c *gin.Context) {
	accountID, err := s.resolveAccountID(c, c.Param("id"), "")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req adjustBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	txn, err := s.ledgerSvc.Adjust(c.Request.Context(), ledgerdomain.AdjustRequest{
		AccountID:      accountID,
		Tokens:         req.Tokens,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction_id": txn.ID.String(),
		"account_id":     txn.AccountID.String(),
		"amount_tokens":  txn.AmountTokens,
	})
}

// resolveAccountID accepts either a numeric account id or, when the caller
// only knows its own reference, an external ref lookup.
func (s *Server) resolveAccountID(c *gin.Context, rawID, externalRef string) (snowflake.ID, error) {
	rawID = strings.TrimSpace(rawID)
	if rawID != "" {
		if id, err := parseID(rawID); err == nil {
			return id, nil
		}
		// Fall through: path ids may be external refs.
		externalRef = rawID
	}
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return 0, newValidationError("account_id", "invalid_account", "account_id or external_ref required")
	}
	account, err := s.ledgerSvc.GetAccountByExternalRef(c.Request.Context(), externalRef)
	if err != nil {
		return 0, err
	}
	return account.ID, nil
}

func parseID(raw string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(raw))
}
