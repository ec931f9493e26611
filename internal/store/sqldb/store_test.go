package sqldb

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/condastore/internal/buildkey"
	"github.com/narvanalabs/condastore/internal/models"
	"github.com/narvanalabs/condastore/internal/store"
)

// setupTestStore opens a migrated SQLite store in a temporary directory.
// When TEST_DATABASE_URL is set the tests run against PostgreSQL instead.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := DefaultConfig(DriverSQLite, "file:"+filepath.Join(t.TempDir(), "condastore.db"))
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		cfg = DefaultConfig(DriverPgx, dsn)
	}

	s, err := Open(cfg, logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if s.dialect == DialectPostgres {
		for _, table := range []string{
			"solve_package_builds", "build_package_builds", "package_builds", "solves",
			"build_artifacts", "builds", "environments", "specifications", "namespaces",
		} {
			s.db.Exec("DELETE FROM " + table)
		}
	}
	return s
}

func testSpec(name string, deps ...any) *models.CondaSpecification {
	return &models.CondaSpecification{
		Name:         name,
		Channels:     []string{"conda-forge"},
		Dependencies: deps,
	}
}

func TestRebind(t *testing.T) {
	pg := conn{dialect: DialectPostgres}
	if got := pg.rebind("SELECT a FROM t WHERE b = ? AND c = ?"); got != "SELECT a FROM t WHERE b = $1 AND c = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := conn{dialect: DialectSQLite}
	if got := lite.rebind("WHERE b = ?"); got != "WHERE b = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestDialectFor(t *testing.T) {
	for driver, want := range map[string]Dialect{
		DriverPgx:      DialectPostgres,
		DriverPostgres: DialectPostgres,
		DriverSQLite:   DialectSQLite,
	} {
		got, err := DialectFor(driver)
		if err != nil || got != want {
			t.Errorf("DialectFor(%q) = %v, %v", driver, got, err)
		}
	}
	if _, err := DialectFor("mysql"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := Migrate(context.Background(), s.db, s.dialect); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestRegisterEnvironment(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	spec := testSpec("science", "python=3.11", "numpy", map[string]any{"pip": []any{"rich"}})
	build, err := store.RegisterEnvironment(ctx, s, "default", spec)
	if err != nil {
		t.Fatalf("RegisterEnvironment: %v", err)
	}
	if build.ID == 0 || build.Status != models.BuildStatusQueued {
		t.Fatalf("unexpected build: %+v", build)
	}

	got, err := s.Builds().Get(ctx, build.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Namespace != "default" || got.EnvironmentName != "science" {
		t.Errorf("got namespace/env %q/%q", got.Namespace, got.EnvironmentName)
	}
	hash, _ := spec.SHA256()
	if got.SpecificationSHA256 != hash {
		t.Errorf("sha256 = %q, want %q", got.SpecificationSHA256, hash)
	}
	if !got.ScheduledOn.Equal(build.ScheduledOn) {
		t.Errorf("scheduled_on = %v, want %v", got.ScheduledOn, build.ScheduledOn)
	}

	// The key derived from the stored row matches the one derived at creation.
	codec := buildkey.Default()
	if got.BuildKey(codec) != build.BuildKey(codec) {
		t.Errorf("build key changed after round trip: %q != %q", got.BuildKey(codec), build.BuildKey(codec))
	}

	// Registering the same spec again reuses the specification and environment.
	again, err := store.RegisterEnvironment(ctx, s, "default", spec)
	if err != nil {
		t.Fatalf("second RegisterEnvironment: %v", err)
	}
	if again.SpecificationID != build.SpecificationID || again.EnvironmentID != build.EnvironmentID {
		t.Errorf("expected shared spec/env, got %+v vs %+v", again, build)
	}
	if again.ID == build.ID {
		t.Error("expected a new build")
	}

	builds, err := s.Builds().ListByEnvironment(ctx, build.EnvironmentID)
	if err != nil {
		t.Fatalf("ListByEnvironment: %v", err)
	}
	if len(builds) != 2 {
		t.Fatalf("got %d builds, want 2", len(builds))
	}
}

func TestRegisterEnvironmentRejectsInvalidSpec(t *testing.T) {
	s := setupTestStore(t)
	_, err := store.RegisterEnvironment(context.Background(), s, "default", testSpec("bad name"))
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSpecificationRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	spec := testSpec("web", "flask", map[string]any{"pip": []any{"gunicorn"}})
	spec.Variables = map[string]string{"FLASK_ENV": "production"}

	stored, err := s.Specifications().Ensure(ctx, spec)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	got, err := s.Specifications().Get(ctx, stored.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	gotHash, err := got.Spec.SHA256()
	if err != nil {
		t.Fatalf("SHA256: %v", err)
	}
	if gotHash != stored.SHA256 {
		t.Errorf("hash after round trip = %q, want %q", gotHash, stored.SHA256)
	}
}

func TestBuildCreateKeepsExplicitID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, err := store.RegisterEnvironment(ctx, s, "default", testSpec("env"))
	if err != nil {
		t.Fatalf("RegisterEnvironment: %v", err)
	}

	scheduled := time.Date(2023, 11, 5, 3, 54, 10, 510258000, time.UTC)
	build := &models.Build{
		ID:              12345678,
		SpecificationID: first.SpecificationID,
		EnvironmentID:   first.EnvironmentID,
		ScheduledOn:     scheduled,
	}
	if err := s.Builds().Create(ctx, build); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Builds().Get(ctx, 12345678)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.ScheduledOn.Equal(scheduled) {
		t.Errorf("scheduled_on = %v, want %v", got.ScheduledOn, scheduled)
	}

	dup := *build
	if err := s.Builds().Create(ctx, &dup); !errors.Is(err, store.ErrDuplicateKey) {
		t.Errorf("duplicate Create error = %v, want ErrDuplicateKey", err)
	}

	// Later builds get IDs past the explicit one.
	next, err := store.RegisterEnvironment(ctx, s, "default", testSpec("env"))
	if err != nil {
		t.Fatalf("RegisterEnvironment: %v", err)
	}
	if next.ID <= 12345678 {
		t.Errorf("next id = %d, want > 12345678", next.ID)
	}
}

func TestBuildStatusTransitions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	build, err := store.RegisterEnvironment(ctx, s, "default", testSpec("env"))
	if err != nil {
		t.Fatalf("RegisterEnvironment: %v", err)
	}

	if err := s.Builds().UpdateStatus(ctx, build.ID, models.BuildStatusBuilding, ""); err != nil {
		t.Fatalf("UpdateStatus building: %v", err)
	}
	got, _ := s.Builds().Get(ctx, build.ID)
	if got.StartedOn == nil || got.EndedOn != nil {
		t.Errorf("after BUILDING started=%v ended=%v", got.StartedOn, got.EndedOn)
	}

	if err := s.Builds().UpdateStatus(ctx, build.ID, models.BuildStatusFailed, "solve failed"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := s.Builds().SetSize(ctx, build.ID, 4096); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	got, _ = s.Builds().Get(ctx, build.ID)
	if got.Status != models.BuildStatusFailed || got.StatusInfo != "solve failed" || got.EndedOn == nil || got.Size != 4096 {
		t.Errorf("unexpected build after FAILED: %+v", got)
	}

	if err := s.Builds().UpdateStatus(ctx, 999999, models.BuildStatusFailed, ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateStatus missing = %v, want ErrNotFound", err)
	}
	if _, err := s.Builds().Get(ctx, 999999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestArtifacts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	build, err := store.RegisterEnvironment(ctx, s, "default", testSpec("env"))
	if err != nil {
		t.Fatalf("RegisterEnvironment: %v", err)
	}

	codec := buildkey.Default()
	artifacts := []*models.BuildArtifact{
		{BuildID: build.ID, ArtifactType: models.ArtifactTypeLockfile, Key: build.CondaLockKey(codec)},
		{BuildID: build.ID, ArtifactType: models.ArtifactTypeLogs, Key: build.LogKey(codec)},
	}
	for _, a := range artifacts {
		if err := s.Artifacts().Create(ctx, a); err != nil {
			t.Fatalf("Create artifact: %v", err)
		}
	}

	got, err := s.Builds().Get(ctx, build.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	lock := got.Artifact(models.ArtifactTypeLockfile)
	if lock == nil || lock.Key != build.CondaLockKey(codec) {
		t.Errorf("lockfile artifact = %+v", lock)
	}
	if got.Artifact(models.ArtifactTypeCondaPack) != nil {
		t.Error("unexpected conda pack artifact")
	}
}

func TestEnvironmentCurrentBuild(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	build, err := store.RegisterEnvironment(ctx, s, "team", testSpec("env"))
	if err != nil {
		t.Fatalf("RegisterEnvironment: %v", err)
	}
	if err := s.Environments().SetCurrentBuild(ctx, build.EnvironmentID, build.ID); err != nil {
		t.Fatalf("SetCurrentBuild: %v", err)
	}
	env, err := s.Environments().Get(ctx, "team", "env")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if env.CurrentBuildID == nil || *env.CurrentBuildID != build.ID {
		t.Errorf("current build = %v, want %d", env.CurrentBuildID, build.ID)
	}
	if _, err := s.Environments().Get(ctx, "other", "env"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get other namespace = %v, want ErrNotFound", err)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Store) error {
		if _, err := tx.Namespaces().Ensure(ctx, "ghost"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want boom", err)
	}
	if _, err := s.Namespaces().GetByName(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("namespace survived rollback: %v", err)
	}
}

func TestSolvePackages(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	solve, err := store.RegisterSolve(ctx, s, testSpec("solver", "zlib"))
	if err != nil {
		t.Fatalf("RegisterSolve: %v", err)
	}
	got, err := s.Solves().Get(ctx, solve.ID)
	if err != nil {
		t.Fatalf("Get solve: %v", err)
	}
	if got.SpecificationID != solve.SpecificationID {
		t.Errorf("specification id = %d, want %d", got.SpecificationID, solve.SpecificationID)
	}

	pkgs := []*models.PackageBuild{
		{Name: "zlib", Version: "1.2.13", Build: "hd590300_5", Channel: "https://conda.anaconda.org/conda-forge", Subdir: "linux-64", Filename: "zlib-1.2.13-hd590300_5.conda", MD5: "abc"},
		{Name: "libzlib", Version: "1.2.13", Build: "hd590300_5", Channel: "https://conda.anaconda.org/conda-forge", Subdir: "linux-64", Filename: "libzlib-1.2.13-hd590300_5.conda", Depends: []string{"libgcc-ng >=12"}},
	}
	if err := s.Packages().AddToSolve(ctx, solve.ID, pkgs); err != nil {
		t.Fatalf("AddToSolve: %v", err)
	}
	list, err := s.Packages().ListBySolve(ctx, solve.ID)
	if err != nil {
		t.Fatalf("ListBySolve: %v", err)
	}
	if len(list) != 2 || list[0].Name != "zlib" || list[1].Name != "libzlib" {
		t.Fatalf("unexpected packages: %+v", list)
	}
	if !reflect.DeepEqual(list[1].Depends, []string{"libgcc-ng >=12"}) {
		t.Errorf("depends = %v", list[1].Depends)
	}
}

// **Property 1: Package order is preserved**
// For any sequence of package filenames attached to a build, listing the
// build's packages returns them in the order they were attached, with shared
// rows reused rather than duplicated.
func TestPackageOrderProperty(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("packages are listed in attach order", prop.ForAll(
		func(names []string) bool {
			build, err := store.RegisterEnvironment(ctx, s, "prop", testSpec("env"))
			if err != nil {
				return false
			}
			pkgs := make([]*models.PackageBuild, len(names))
			for i, name := range names {
				pkgs[i] = &models.PackageBuild{
					Name: name, Version: "1.0", Build: "0",
					Channel: "https://conda.anaconda.org/conda-forge", Subdir: "noarch",
					Filename: name + "-1.0-0.tar.bz2",
				}
			}
			if err := s.Packages().AddToBuild(ctx, build.ID, pkgs); err != nil {
				return false
			}
			got, err := s.Packages().ListByBuild(ctx, build.ID)
			if err != nil || len(got) != len(names) {
				return false
			}
			for i := range names {
				if got[i].Name != names[i] || got[i].ID != pkgs[i].ID {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.OneConstOf("python", "numpy", "zlib", "openssl", "pip"), reflect.TypeOf("")),
	))

	properties.TestingRun(t)
}
