// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/narvanalabs/condastore/internal/models"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateKey is returned when a unique constraint is violated.
	ErrDuplicateKey = errors.New("duplicate key")
)

// NamespaceStore defines operations for namespaces.
type NamespaceStore interface {
	// Ensure returns the namespace with the given name, creating it if needed.
	Ensure(ctx context.Context, name string) (*models.Namespace, error)
	// GetByName retrieves a namespace by name.
	GetByName(ctx context.Context, name string) (*models.Namespace, error)
}

// SpecificationStore defines operations for content-addressed specifications.
type SpecificationStore interface {
	// Ensure stores spec unless a specification with the same hash exists.
	Ensure(ctx context.Context, spec *models.CondaSpecification) (*models.Specification, error)
	// Get retrieves a specification by ID.
	Get(ctx context.Context, id int64) (*models.Specification, error)
}

// EnvironmentStore defines operations for environments.
type EnvironmentStore interface {
	// Ensure returns the environment, creating it if needed.
	Ensure(ctx context.Context, namespaceID int64, name, description string) (*models.Environment, error)
	// Get retrieves an environment by namespace and name.
	Get(ctx context.Context, namespace, name string) (*models.Environment, error)
	// SetCurrentBuild points the environment at a build.
	SetCurrentBuild(ctx context.Context, environmentID, buildID int64) error
}

// BuildStore defines operations for builds.
type BuildStore interface {
	// Create inserts a build. A non-zero ID is kept, otherwise one is assigned.
	Create(ctx context.Context, build *models.Build) error
	// Get retrieves a build and its artifacts by ID.
	Get(ctx context.Context, id int64) (*models.Build, error)
	// ListByEnvironment retrieves the builds of an environment, newest first.
	ListByEnvironment(ctx context.Context, environmentID int64) ([]*models.Build, error)
	// UpdateStatus records a status transition and its timestamps.
	UpdateStatus(ctx context.Context, id int64, status models.BuildStatus, info string) error
	// SetSize records the on-disk size of the build's prefix.
	SetSize(ctx context.Context, id int64, size int64) error
}

// ArtifactStore defines operations for build artifacts.
type ArtifactStore interface {
	// Create inserts an artifact.
	Create(ctx context.Context, artifact *models.BuildArtifact) error
	// ListByBuild retrieves a build's artifacts in insertion order.
	ListByBuild(ctx context.Context, buildID int64) ([]*models.BuildArtifact, error)
}

// PackageStore defines operations for resolved package builds.
type PackageStore interface {
	// AddToBuild attaches packages to a build, keeping their order.
	AddToBuild(ctx context.Context, buildID int64, packages []*models.PackageBuild) error
	// AddToSolve attaches packages to a solve, keeping their order.
	AddToSolve(ctx context.Context, solveID int64, packages []*models.PackageBuild) error
	// ListByBuild retrieves a build's packages in resolution order.
	ListByBuild(ctx context.Context, buildID int64) ([]*models.PackageBuild, error)
	// ListBySolve retrieves a solve's packages in resolution order.
	ListBySolve(ctx context.Context, solveID int64) ([]*models.PackageBuild, error)
}

// SolveStore defines operations for solves.
type SolveStore interface {
	// Create inserts a solve.
	Create(ctx context.Context, solve *models.Solve) error
	// Get retrieves a solve by ID.
	Get(ctx context.Context, id int64) (*models.Solve, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Namespaces returns the NamespaceStore.
	Namespaces() NamespaceStore
	// Specifications returns the SpecificationStore.
	Specifications() SpecificationStore
	// Environments returns the EnvironmentStore.
	Environments() EnvironmentStore
	// Builds returns the BuildStore.
	Builds() BuildStore
	// Artifacts returns the ArtifactStore.
	Artifacts() ArtifactStore
	// Packages returns the PackageStore.
	Packages() PackageStore
	// Solves returns the SolveStore.
	Solves() SolveStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
