package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PackPrice maps a provider price id to a purchasable token pack.
type PackPrice struct {
	PriceID     string `mapstructure:"priceId"`
	Name        string `mapstructure:"name"`
	Tokens      int64  `mapstructure:"tokens"`
	AmountCents int64  `mapstructure:"amountCents"`
	Currency    string `mapstructure:"currency"`
}

// PlanTokens maps a recurring price id to tokens granted per billing period.
type PlanTokens struct {
	PriceID         string `mapstructure:"priceId"`
	TokensPerPeriod int64  `mapstructure:"tokensPerPeriod"`
}

// PricingConfig is the provider price catalogue consumed by webhook handlers.
type PricingConfig struct {
	Packs []PackPrice  `mapstructure:"packs"`
	Plans []PlanTokens `mapstructure:"plans"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		Packs: []PackPrice{
			{PriceID: "price_starter", Name: "starter", Tokens: 500, AmountCents: 500, Currency: "USD"},
			{PriceID: "price_standard", Name: "standard", Tokens: 2000, AmountCents: 1500, Currency: "USD"},
			{PriceID: "price_bulk", Name: "bulk", Tokens: 10000, AmountCents: 5000, Currency: "USD"},
		},
		Plans: []PlanTokens{
			{PriceID: "price_monthly", TokensPerPeriod: 5000},
		},
	}
}

// PricingHolder exposes the current pricing catalogue and hot-reloads it when
// the backing file changes.
type PricingHolder struct {
	current atomic.Value // holds PricingConfig
}

func NewPricingHolder(log *zap.Logger) (*PricingHolder, error) {
	log = log.Named("config.pricing")
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tokenledger/config")
	v.AddConfigPath("/etc/tokenledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TOKENLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultPricingConfig()
		v.SetDefault("pricing.packs", defaults.Packs)
		v.SetDefault("pricing.plans", defaults.Plans)
	}

	var cfg PricingConfig
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Packs) == 0 && len(cfg.Plans) == 0 {
		cfg = DefaultPricingConfig()
	}
	if err := validatePricing(cfg); err != nil {
		return nil, err
	}

	holder := &PricingHolder{}
	holder.current.Store(cfg)

	v.OnConfigChange(func(event fsnotify.Event) {
		var next PricingConfig
		if err := v.UnmarshalKey("pricing", &next); err != nil {
			log.Error("pricing reload failed", zap.String("file", event.Name), zap.Error(err))
			return
		}
		if err := validatePricing(next); err != nil {
			log.Warn("pricing reload rejected", zap.String("file", event.Name), zap.Error(err))
			return
		}
		holder.current.Store(next)
		log.Info("pricing reloaded",
			zap.Int("packs", len(next.Packs)),
			zap.Int("plans", len(next.Plans)),
		)
	})
	v.WatchConfig()

	return holder, nil
}

// NewStaticPricingHolder returns a holder with a fixed catalogue; used by tests.
func NewStaticPricingHolder(cfg PricingConfig) *PricingHolder {
	holder := &PricingHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *PricingHolder) Current() PricingConfig {
	if h == nil {
		return DefaultPricingConfig()
	}
	cfg, ok := h.current.Load().(PricingConfig)
	if !ok {
		return DefaultPricingConfig()
	}
	return cfg
}

// PackByPriceID resolves a purchasable pack. Deterministic: same input, same
// result until an operator changes the catalogue.
func (h *PricingHolder) PackByPriceID(priceID string) (PackPrice, bool) {
	priceID = strings.TrimSpace(priceID)
	for _, pack := range h.Current().Packs {
		if pack.PriceID == priceID {
			return pack, true
		}
	}
	return PackPrice{}, false
}

// TokensPerPeriod resolves the recurring grant for a subscription price id.
func (h *PricingHolder) TokensPerPeriod(priceID string) (int64, bool) {
	priceID = strings.TrimSpace(priceID)
	for _, plan := range h.Current().Plans {
		if plan.PriceID == priceID {
			return plan.TokensPerPeriod, true
		}
	}
	return 0, false
}

func validatePricing(cfg PricingConfig) error {
	for _, pack := range cfg.Packs {
		if strings.TrimSpace(pack.PriceID) == "" {
			return errors.New("pricing pack missing priceId")
		}
		if pack.Tokens <= 0 || pack.AmountCents <= 0 {
			return errors.New("pricing pack amounts must be positive")
		}
	}
	for _, plan := range cfg.Plans {
		if strings.TrimSpace(plan.PriceID) == "" {
			return errors.New("pricing plan missing priceId")
		}
		if plan.TokensPerPeriod <= 0 {
			return errors.New("pricing plan tokensPerPeriod must be positive")
		}
	}
	return nil
}
