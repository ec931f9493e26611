package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/narvanalabs/condastore/internal/action"
	"github.com/narvanalabs/condastore/internal/conda"
	"github.com/narvanalabs/condastore/internal/models"
	"github.com/narvanalabs/condastore/internal/store"
	"github.com/narvanalabs/condastore/internal/store/sqldb"
)

func TestCommandTree(t *testing.T) {
	registerCommands()
	for _, path := range [][]string{
		{"serve"},
		{"build-key", "encode"},
		{"build-key", "decode"},
		{"environment", "register"},
		{"env", "builds"},
		{"action", "solve"},
		{"action", "fetch"},
		{"action", "install"},
		{"action", "export"},
		{"action", "pack"},
		{"action", "stats"},
		{"action", "permissions"},
		{"action", "remove"},
		{"action", "record-packages"},
	} {
		cmd, _, err := rootCmd.Find(path)
		if err != nil || cmd == rootCmd {
			t.Errorf("command %v not registered: %v", path, err)
		}
	}

	for path, flags := range map[string][]string{
		"action solve":           {"record", "file", "output"},
		"action record-packages": {"prefix", "build-id"},
	} {
		cmd, _, err := rootCmd.Find(strings.Fields(path))
		if err != nil {
			t.Fatalf("command %q: %v", path, err)
		}
		for _, name := range flags {
			if cmd.Flags().Lookup(name) == nil {
				t.Errorf("command %q has no --%s flag", path, name)
			}
		}
	}
}

func setupCLIStore(t *testing.T) (*action.Runner, store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := sqldb.Open(sqldb.DefaultConfig(sqldb.DriverSQLite, "file:"+filepath.Join(t.TempDir(), "cli.db")), logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	runner := action.NewRunner(action.WithLogger(logger), action.WithWorkDir(t.TempDir()))
	return runner, st
}

var zlibSpecification = &models.CondaSpecification{
	Name:         "zlib",
	Channels:     []string{"conda-forge"},
	Dependencies: []any{"zlib"},
}

func TestRecordSolve(t *testing.T) {
	runner, st := setupCLIStore(t)
	ctx := context.Background()

	lock := &conda.LockSpec{
		Version: 1,
		Package: []conda.LockedPackage{
			{
				Name: "zlib", Version: "1.2.13", Manager: conda.ManagerConda, Platform: "linux-64",
				URL:  "https://conda.anaconda.org/conda-forge/linux-64/zlib-1.2.13-hd590300_5.conda",
				Hash: conda.LockHash{MD5: "68c34ec6149623be41a1933ab996a209"},
			},
			{Name: "rich", Manager: conda.ManagerPip, Platform: "linux-64", URL: "https://files.pythonhosted.org/rich.whl"},
		},
	}

	solve, packages, err := recordSolve(ctx, runner, st, zlibSpecification, lock)
	if err != nil {
		t.Fatalf("recordSolve: %v", err)
	}
	if len(packages) != 1 || packages[0].Name != "zlib" {
		t.Errorf("recorded packages = %+v, want zlib only", packages)
	}

	stored, err := st.Packages().ListBySolve(ctx, solve.ID)
	if err != nil {
		t.Fatalf("ListBySolve: %v", err)
	}
	if len(stored) != 1 || stored[0].Filename != "zlib-1.2.13-hd590300_5.conda" {
		t.Errorf("stored packages = %+v", stored)
	}
}

func TestRecordPrefixPackages(t *testing.T) {
	runner, st := setupCLIStore(t)
	ctx := context.Background()

	prefix := filepath.Join(t.TempDir(), "env")
	if err := os.MkdirAll(filepath.Join(prefix, "conda-meta"), 0o755); err != nil {
		t.Fatal(err)
	}
	record := `{
		"name": "zlib", "version": "1.2.13", "build": "hd590300_5", "build_number": 5,
		"channel": "https://conda.anaconda.org/conda-forge/linux-64", "subdir": "linux-64",
		"fn": "zlib-1.2.13-hd590300_5.tar.bz2",
		"url": "https://conda.anaconda.org/conda-forge/linux-64/zlib-1.2.13-hd590300_5.tar.bz2",
		"md5": "68c34ec6149623be41a1933ab996a209", "depends": []
	}`
	if err := os.WriteFile(filepath.Join(prefix, "conda-meta", "zlib-1.2.13-hd590300_5.json"), []byte(record), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(prefix, "conda-meta", "history"), []byte("==> 2023-11-05 03:54:10 <==\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := recordPrefixPackages(ctx, runner, st, prefix, 404); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown build: error = %v, want ErrNotFound", err)
	}

	build, err := store.RegisterEnvironment(ctx, st, "default", zlibSpecification)
	if err != nil {
		t.Fatalf("RegisterEnvironment: %v", err)
	}
	packages, err := recordPrefixPackages(ctx, runner, st, prefix, build.ID)
	if err != nil {
		t.Fatalf("recordPrefixPackages: %v", err)
	}
	if len(packages) != 1 {
		t.Fatalf("recorded %d packages, want 1", len(packages))
	}

	stored, err := st.Packages().ListByBuild(ctx, build.ID)
	if err != nil {
		t.Fatalf("ListByBuild: %v", err)
	}
	if len(stored) != 1 || stored[0].MD5 != "68c34ec6149623be41a1933ab996a209" {
		t.Errorf("stored packages = %+v", stored)
	}
}

func TestReadSpecification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "environment.yaml")
	data := "name: pytest\nchannels:\n  - conda-forge\ndependencies:\n  - python=3.11\n  - pip:\n      - flask\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	spec, err := readSpecification(path)
	if err != nil {
		t.Fatalf("readSpecification: %v", err)
	}
	if spec.Name != "pytest" || len(spec.Dependencies) != 2 || spec.Channels[0] != "conda-forge" {
		t.Errorf("unexpected specification: %+v", spec)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("name: has spaces\ndependencies: [zlib]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readSpecification(bad); err == nil {
		t.Error("expected validation error for invalid name")
	}
}
