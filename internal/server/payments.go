package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type paymentResponse struct {
	ID                  string    `json:"id"`
	AccountID           string    `json:"account_id"`
	SessionID           string    `json:"session_id"`
	PaymentIntentID     string    `json:"payment_intent_id"`
	AmountCents         int64     `json:"amount_cents"`
	Currency            string    `json:"currency"`
	CreditedTokens      int64     `json:"credited_tokens"`
	RefundedAmountCents int64     `json:"refunded_amount_cents"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
}

func (s *Server) GetPaymentBySessionID(c *gin.Context) {
	payment, err := s.paymentSvc.GetPaymentBySessionID(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, paymentResponse{
		ID:                  payment.ID.String(),
		AccountID:           payment.AccountID.String(),
		SessionID:           payment.SessionID,
		PaymentIntentID:     payment.PaymentIntentID,
		AmountCents:         payment.AmountCents,
		Currency:            payment.Currency,
		CreditedTokens:      payment.CreditedTokens,
		RefundedAmountCents: payment.RefundedAmountCents,
		Status:              string(payment.Status),
		CreatedAt:           payment.CreatedAt,
	})
}

func (s *Server) GetSubscriptionStatus(c *gin.Context) {
	accountID, err := s.resolveAccountID(c, c.Param("id"), "")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status, err := s.subSvc.GetStatus(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if status == nil {
		c.JSON(http.StatusOK, gin.H{
			"account_id": accountID.String(),
			"active":     true,
			"reason":     "",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id": accountID.String(),
		"active":     !status.Blocked,
		"reason":     status.Reason,
	})
}
