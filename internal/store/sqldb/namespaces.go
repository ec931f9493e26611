package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/condastore/internal/models"
	"github.com/narvanalabs/condastore/internal/store"
)

// NamespaceStore implements store.NamespaceStore.
type NamespaceStore struct {
	c      conn
	logger *slog.Logger
}

// Ensure returns the namespace, creating it if needed.
func (s *NamespaceStore) Ensure(ctx context.Context, name string) (*models.Namespace, error) {
	if name == "" {
		return nil, fmt.Errorf("namespace name is required")
	}
	ns, err := s.GetByName(ctx, name)
	if err == nil {
		return ns, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	ns = &models.Namespace{Name: name}
	err = s.c.queryRow(ctx, "INSERT INTO namespaces (name) VALUES (?) RETURNING id", name).Scan(&ns.ID)
	if err != nil {
		if isUniqueViolation(err) {
			// Created concurrently.
			return s.GetByName(ctx, name)
		}
		return nil, fmt.Errorf("inserting namespace: %w", err)
	}
	s.logger.Debug("created namespace", "namespace", name, "id", ns.ID)
	return ns, nil
}

// GetByName retrieves a namespace by name.
func (s *NamespaceStore) GetByName(ctx context.Context, name string) (*models.Namespace, error) {
	ns := &models.Namespace{}
	err := s.c.queryRow(ctx, "SELECT id, name FROM namespaces WHERE name = ?", name).Scan(&ns.ID, &ns.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying namespace: %w", err)
	}
	return ns, nil
}

// SpecificationStore implements store.SpecificationStore.
type SpecificationStore struct {
	c      conn
	logger *slog.Logger
}

// Ensure stores spec unless one with the same hash exists.
func (s *SpecificationStore) Ensure(ctx context.Context, spec *models.CondaSpecification) (*models.Specification, error) {
	hash, err := spec.SHA256()
	if err != nil {
		return nil, err
	}

	existing, err := s.getBy(ctx, "sha256 = ?", hash)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	data, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshaling specification: %w", err)
	}

	out := &models.Specification{
		Name:      spec.Name,
		SHA256:    hash,
		Spec:      *spec,
		CreatedOn: time.Now().UTC(),
	}
	err = s.c.queryRow(ctx,
		"INSERT INTO specifications (name, sha256, spec, created_on) VALUES (?, ?, ?, ?) RETURNING id",
		out.Name, out.SHA256, string(data), toMicros(out.CreatedOn),
	).Scan(&out.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return s.getBy(ctx, "sha256 = ?", hash)
		}
		return nil, fmt.Errorf("inserting specification: %w", err)
	}
	return out, nil
}

// Get retrieves a specification by ID.
func (s *SpecificationStore) Get(ctx context.Context, id int64) (*models.Specification, error) {
	return s.getBy(ctx, "id = ?", id)
}

func (s *SpecificationStore) getBy(ctx context.Context, where string, arg any) (*models.Specification, error) {
	spec := &models.Specification{}
	var data string
	var createdOn int64
	err := s.c.queryRow(ctx,
		"SELECT id, name, sha256, spec, created_on FROM specifications WHERE "+where, arg,
	).Scan(&spec.ID, &spec.Name, &spec.SHA256, &data, &createdOn)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying specification: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &spec.Spec); err != nil {
		return nil, fmt.Errorf("unmarshaling specification %d: %w", spec.ID, err)
	}
	spec.CreatedOn = fromMicros(createdOn)
	return spec, nil
}

// EnvironmentStore implements store.EnvironmentStore.
type EnvironmentStore struct {
	c      conn
	logger *slog.Logger
}

// Ensure returns the environment, creating it if needed.
func (s *EnvironmentStore) Ensure(ctx context.Context, namespaceID int64, name, description string) (*models.Environment, error) {
	env, err := s.getBy(ctx, "e.namespace_id = ? AND e.name = ?", namespaceID, name)
	if err == nil {
		return env, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var id int64
	err = s.c.queryRow(ctx,
		"INSERT INTO environments (namespace_id, name, description) VALUES (?, ?, ?) RETURNING id",
		namespaceID, name, description,
	).Scan(&id)
	if err != nil && !isUniqueViolation(err) {
		return nil, fmt.Errorf("inserting environment: %w", err)
	}
	return s.getBy(ctx, "e.namespace_id = ? AND e.name = ?", namespaceID, name)
}

// Get retrieves an environment by namespace and name.
func (s *EnvironmentStore) Get(ctx context.Context, namespace, name string) (*models.Environment, error) {
	return s.getBy(ctx, "n.name = ? AND e.name = ?", namespace, name)
}

// SetCurrentBuild points the environment at a build.
func (s *EnvironmentStore) SetCurrentBuild(ctx context.Context, environmentID, buildID int64) error {
	res, err := s.c.exec(ctx, "UPDATE environments SET current_build_id = ? WHERE id = ?", buildID, environmentID)
	if err != nil {
		return fmt.Errorf("updating environment: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *EnvironmentStore) getBy(ctx context.Context, where string, args ...any) (*models.Environment, error) {
	env := &models.Environment{}
	var current sql.NullInt64
	err := s.c.queryRow(ctx, `
		SELECT e.id, e.namespace_id, n.name, e.name, e.description, e.current_build_id
		FROM environments e
		JOIN namespaces n ON n.id = e.namespace_id
		WHERE `+where, args...,
	).Scan(&env.ID, &env.NamespaceID, &env.Namespace, &env.Name, &env.Description, &current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying environment: %w", err)
	}
	if current.Valid {
		id := current.Int64
		env.CurrentBuildID = &id
	}
	return env, nil
}
