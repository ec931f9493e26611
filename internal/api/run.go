package api

import (
	"log/slog"

	"github.com/narvanalabs/condastore/internal/shutdown"
	"github.com/narvanalabs/condastore/internal/store"
	"github.com/narvanalabs/condastore/pkg/config"
)

// Run serves the API until SIGINT or SIGTERM, or until the listener fails,
// then stops the server before closing st. Run owns st and closes it on
// every path. The returned code is 0 only for a clean shutdown.
func Run(cfg *config.Config, st store.Store, logger *slog.Logger, opts ...shutdown.Option) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	server, err := NewServer(cfg, st, logger.With("component", "api"))
	if err != nil {
		st.Close()
		return 1, err
	}

	opts = append([]shutdown.Option{
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(logger.With("component", "shutdown")),
	}, opts...)
	coordinator := shutdown.NewCoordinator(opts...)
	coordinator.Register(shutdown.Database(st))
	coordinator.Register(shutdown.APIServer(server.Shutdown))

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			serveErr <- err
			coordinator.Shutdown()
		}
	}()

	coordinator.WaitForSignal()
	select {
	case err := <-serveErr:
		return 1, err
	default:
	}
	return coordinator.ExitCode(), nil
}
