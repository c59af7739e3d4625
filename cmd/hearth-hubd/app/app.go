package app

import (
	"context"
	"fmt"

	"hearth.io/hearth/cmd/hearth-hubd/app/options"
	"hearth.io/hearth/pkg/app"
)

const (
	commandName = "hearth-hubd"
	commandDesc = `The Hearth hub daemon maintains the secure cloud link of a hub: device
registration, user pairing, push notifications and relay credentials for
remote access.`
)

// NewApp creates the hearth-hubd application.
func NewApp() *app.App {
	opts := options.NewHubOptions()
	return app.NewApp(
		commandName,
		"Launch the Hearth hub daemon",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithRunFunc(run(opts)),
	)
}

func run(opts *options.HubOptions) app.RunFunc {
	return func(ctx context.Context) error {
		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		server, err := cfg.NewServer()
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		return server.Run(ctx)
	}
}
