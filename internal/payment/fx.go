package payment

import (
	"github.com/Gegcuk/tokenledger/internal/config"
	paymentdomain "github.com/Gegcuk/tokenledger/internal/payment/domain"
	"github.com/Gegcuk/tokenledger/internal/payment/repository"
	paymentservice "github.com/Gegcuk/tokenledger/internal/payment/service"
	"github.com/Gegcuk/tokenledger/internal/payment/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(func(cfg config.Config) *stripe.Verifier {
		return stripe.NewVerifier(cfg.StripeWebhookSecret)
	}),
	fx.Provide(func(cfg config.Config) paymentdomain.ProcessorClient {
		return stripe.NewClient(cfg.StripeAPIKey)
	}),
	fx.Provide(paymentservice.NewCheckoutValidator),
	fx.Provide(paymentservice.NewService),
)
