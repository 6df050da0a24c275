//go:build wireinject
// +build wireinject

package di

import (
	"FHCElite/pkg/config"
	"FHCElite/pkg/server"

	"github.com/google/wire"
)

var coreSet = wire.NewSet(
	ProvideLogger,
	ProvideMetrics,
	ProvideClock,
	ProvideInstruments,

	// Infrastructure clients
	ProvideRedisCache,
	ProvideCache,
	ProvideSampleStore,
	ProvideKafkaProducer,
	ProvidePublisher,

	// Upstreams
	ProvideSources,
	ProvideSnapshotSource,
	ProvideIndexSource,

	// Use cases
	ProvideReconciler,
	ProvideQuoteHub,
	ProvideQuoteBoard,
	ProvideRetention,
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		coreSet,
		ProvideKafkaConsumer,
		ProvideKafkaSamplesHandler,
		ProvideSummarizer,
		ProvideNewsSummary,
		ProvideLimiter,
		ProvideHandler,
		ProvideHTTPServer,
		ProvideJobQueue,
		ProvideApp,
	)
	return &server.App{}, nil
}

// InitializeToolkit wires the components used by the operator CLI.
func InitializeToolkit(cfg *config.Config) (*Toolkit, error) {
	wire.Build(
		coreSet,
		ProvideJobPublisher,
		ProvideToolkit,
	)
	return &Toolkit{}, nil
}
