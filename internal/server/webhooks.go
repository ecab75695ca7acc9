package server

import (
	"io"
	"net/http"

	paymentdomain "github.com/Gegcuk/tokenledger/internal/payment/domain"
	"github.com/gin-gonic/gin"
)

const signatureHeader = "Stripe-Signature"

// HandleStripeWebhook ingests one provider delivery. Duplicates acknowledge
// with 200 so the provider stops redelivering; verification and validation
// failures return 4xx; anything else is 5xx so the provider retries.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.paymentSvc.ProcessEvent(c.Request.Context(), payload, c.GetHeader(signatureHeader))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result == paymentdomain.ResultDuplicate {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
