//go:build wireinject
// +build wireinject

package app

import (
	"log/slog"

	"github.com/google/wire"

	"github.com/driftkit-ai/driftkit-go/pkg/config"
)

// InitializeApplication wires the full application. The returned cleanup
// closes the persistence backend.
func InitializeApplication(cfg *config.Config, logger *slog.Logger) (*Application, func(), error) {
	wire.Build(Providers)
	return nil, nil, nil
}
