package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"go.routeflow.tech/internal/config"
)

// App holds initialized infrastructure shared by the binaries.
// If you have an *App, you know configuration loaded and validated.
//
// This is NOT a god object - it holds configuration plus the cleanup
// stack. Broker connections are owned by the services that use them;
// they register their teardown here via AddCleanup.
type App struct {
	Config *config.Config

	// Internal cleanup - call AddCleanup to register cleanup functions
	cleanupFuncs []func() error
}

// Initialize creates an App with loaded configuration.
//
// Usage:
//
//	app, cleanup, err := lifecycle.Initialize(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cleanup()
func Initialize(ctx context.Context) (*App, func(), error) {
	app := &App{}

	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	app.Config = cfg

	cleanup := func() {
		app.Cleanup()
	}

	return app, cleanup, nil
}

// AddCleanup registers a cleanup function to be called on shutdown.
// Functions are called in reverse order of registration.
func (app *App) AddCleanup(fn func() error) {
	app.cleanupFuncs = append(app.cleanupFuncs, fn)
}

// Cleanup runs all cleanup functions in reverse order.
func (app *App) Cleanup() {
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		if err := app.cleanupFuncs[i](); err != nil {
			slog.Error("Cleanup error", "error", err)
		}
	}
}
