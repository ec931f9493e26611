package api

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/narvanalabs/condastore/internal/shutdown"
	"github.com/narvanalabs/condastore/internal/store/sqldb"
	"github.com/narvanalabs/condastore/pkg/config"
)

type runResult struct {
	code int
	err  error
}

func startRun(t *testing.T, port int, opts ...shutdown.Option) (*sqldb.Store, <-chan runResult) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := sqldb.Open(sqldb.DefaultConfig(sqldb.DriverSQLite, "file:"+filepath.Join(t.TempDir(), "run.db")), logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	cfg := config.LoadWithDefaults()
	cfg.APIHost = "127.0.0.1"
	cfg.APIPort = port
	cfg.ShutdownTimeout = 5 * time.Second

	done := make(chan runResult, 1)
	go func() {
		code, err := Run(cfg, st, logger, opts...)
		done <- runResult{code: code, err: err}
	}()
	return st, done
}

func waitRun(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
		return runResult{}
	}
}

func TestRunStopsOnSignalAndClosesStore(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	st, done := startRun(t, 0, shutdown.WithSignalChannel(sigCh))

	sigCh <- syscall.SIGTERM
	res := waitRun(t, done)
	if res.err != nil || res.code != 0 {
		t.Fatalf("Run = %d, %v; want clean shutdown", res.code, res.err)
	}
	if err := st.Ping(context.Background()); err == nil {
		t.Error("store still open after shutdown")
	}
}

func TestRunReportsListenerFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	st, done := startRun(t, ln.Addr().(*net.TCPAddr).Port, shutdown.WithSignalChannel(make(chan os.Signal)))
	res := waitRun(t, done)
	if res.err == nil || res.code != 1 {
		t.Fatalf("Run = %d, %v; want listener error", res.code, res.err)
	}
	if err := st.Ping(context.Background()); err == nil {
		t.Error("store still open after listener failure")
	}
}
