package refund

import (
	paymentdomain "github.com/Gegcuk/tokenledger/internal/payment/domain"
)

const PolicyProportional = "proportional"

// Calculation is the outcome of applying the refund policy to a payment.
type Calculation struct {
	TokensToDeduct    int64
	RefundAmountCents int64
	PolicyApplied     string
}

// Calculate computes the proportional token clawback for a partial refund.
// Token quantities round up, so a refund never claws back less than its
// exact proportional share. The result is capped at the tokens the payment
// originally credited.
func Calculate(payment *paymentdomain.Payment, refundAmountCents int64) (Calculation, error) {
	if payment == nil || payment.AmountCents <= 0 {
		return Calculation{}, paymentdomain.ErrInvalidRefund
	}
	if refundAmountCents <= 0 || refundAmountCents > payment.AmountCents {
		return Calculation{}, paymentdomain.ErrInvalidRefund
	}

	tokens := ceilDiv(payment.CreditedTokens*refundAmountCents, payment.AmountCents)
	if tokens > payment.CreditedTokens {
		tokens = payment.CreditedTokens
	}
	return Calculation{
		TokensToDeduct:    tokens,
		RefundAmountCents: refundAmountCents,
		PolicyApplied:     PolicyProportional,
	}, nil
}

// Idempotency keys scoping each refund-flow ledger effect to its provider id.

func DeductKey(refundID string) string {
	return "refund:" + refundID
}

func RestoreKeyRefundCanceled(refundID string) string {
	return "refund-canceled:" + refundID
}

func DisputeDeductKey(disputeID string) string {
	return "dispute:" + disputeID
}

func RestoreKeyDisputeWon(disputeID string) string {
	return "dispute-won:" + disputeID
}

func ceilDiv(numerator, denominator int64) int64 {
	if denominator <= 0 || numerator <= 0 {
		return 0
	}
	return (numerator + denominator - 1) / denominator
}
