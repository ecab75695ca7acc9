package main

import (
	"github.com/Gegcuk/tokenledger/internal/clock"
	"github.com/Gegcuk/tokenledger/internal/config"
	"github.com/Gegcuk/tokenledger/internal/ledger"
	"github.com/Gegcuk/tokenledger/internal/migration"
	"github.com/Gegcuk/tokenledger/internal/observability"
	"github.com/Gegcuk/tokenledger/internal/payment"
	"github.com/Gegcuk/tokenledger/internal/ratelimit"
	"github.com/Gegcuk/tokenledger/internal/server"
	"github.com/Gegcuk/tokenledger/internal/subscription"
	"github.com/Gegcuk/tokenledger/internal/sweeper"
	"github.com/Gegcuk/tokenledger/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domains
		ledger.Module,
		subscription.Module,
		payment.Module,
		sweeper.Module,
		ratelimit.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
