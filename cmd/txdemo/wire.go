//go:build wireinject
// +build wireinject

package main

import (
	"context"

	"github.com/bionicotaku/lingo-txscope/internal/demo"
	"github.com/bionicotaku/lingo-txscope/observability"
	"github.com/bionicotaku/lingo-txscope/outbox"
	"github.com/bionicotaku/lingo-txscope/transactional"
	"github.com/bionicotaku/lingo-txscope/txcontext"
	"github.com/bionicotaku/lingo-txscope/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp builds the demo graph.
func wireApp(ctx context.Context, cfg *Config, logger log.Logger) (*demoApp, func(), error) {
	panic(wire.Build(
		wire.FieldsOf(new(*Config), "Service", "Tx", "Outbox", "Observability"),
		observability.ProviderSet,
		providePool,
		txcontext.ProviderSet,
		txmanager.ProviderSet,
		transactional.ProviderSet,
		demo.ProviderSet,
		providePublisher,
		outbox.ProvideTask,
		newDemoApp,
	))
}
