package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/condastore/internal/models"
	"github.com/narvanalabs/condastore/internal/store"
)

// BuildStore implements store.BuildStore.
type BuildStore struct {
	c         conn
	artifacts *ArtifactStore
	logger    *slog.Logger
}

const buildColumns = `
	b.id, b.specification_id, b.environment_id, n.name, e.name, s.sha256,
	b.status, b.status_info, b.size, b.scheduled_on, b.started_on, b.ended_on`

const buildJoins = `
	FROM builds b
	JOIN environments e ON e.id = b.environment_id
	JOIN namespaces n ON n.id = e.namespace_id
	JOIN specifications s ON s.id = b.specification_id`

// Create inserts a build. A non-zero ID is kept so imported builds retain
// their keys.
func (s *BuildStore) Create(ctx context.Context, build *models.Build) error {
	if build.Status == "" {
		build.Status = models.BuildStatusQueued
	}
	if build.ScheduledOn.IsZero() {
		build.ScheduledOn = time.Now().UTC()
	}

	var err error
	if build.ID != 0 {
		_, err = s.c.exec(ctx, `
			INSERT INTO builds (id, specification_id, environment_id, status, status_info, size, scheduled_on, started_on, ended_on)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			build.ID, build.SpecificationID, build.EnvironmentID, string(build.Status), build.StatusInfo, build.Size,
			toMicros(build.ScheduledOn), nullMicros(build.StartedOn), nullMicros(build.EndedOn),
		)
		if err == nil && s.c.dialect == DialectPostgres {
			// Keep the sequence ahead of explicitly assigned IDs.
			_, err = s.c.exec(ctx, "SELECT setval(pg_get_serial_sequence('builds', 'id'), (SELECT MAX(id) FROM builds))")
		}
	} else {
		err = s.c.queryRow(ctx, `
			INSERT INTO builds (specification_id, environment_id, status, status_info, size, scheduled_on, started_on, ended_on)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			build.SpecificationID, build.EnvironmentID, string(build.Status), build.StatusInfo, build.Size,
			toMicros(build.ScheduledOn), nullMicros(build.StartedOn), nullMicros(build.EndedOn),
		).Scan(&build.ID)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("inserting build: %w", err)
	}

	// Keep the microsecond precision the database stores.
	build.ScheduledOn = fromMicros(toMicros(build.ScheduledOn))
	return nil
}

// Get retrieves a build and its artifacts by ID.
func (s *BuildStore) Get(ctx context.Context, id int64) (*models.Build, error) {
	build, err := scanBuild(s.c.queryRow(ctx, "SELECT "+buildColumns+buildJoins+" WHERE b.id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying build: %w", err)
	}

	build.Artifacts, err = s.artifacts.ListByBuild(ctx, id)
	if err != nil {
		return nil, err
	}
	return build, nil
}

// ListByEnvironment retrieves the builds of an environment, newest first.
func (s *BuildStore) ListByEnvironment(ctx context.Context, environmentID int64) ([]*models.Build, error) {
	rows, err := s.c.query(ctx,
		"SELECT "+buildColumns+buildJoins+" WHERE b.environment_id = ? ORDER BY b.scheduled_on DESC, b.id DESC",
		environmentID)
	if err != nil {
		return nil, fmt.Errorf("querying builds: %w", err)
	}
	defer rows.Close()

	var builds []*models.Build
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning build: %w", err)
		}
		builds = append(builds, build)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating builds: %w", err)
	}
	return builds, nil
}

// UpdateStatus records a status transition. BUILDING stamps started_on and
// the terminal states stamp ended_on.
func (s *BuildStore) UpdateStatus(ctx context.Context, id int64, status models.BuildStatus, info string) error {
	now := toMicros(time.Now())

	var res sql.Result
	var err error
	switch status {
	case models.BuildStatusBuilding:
		res, err = s.c.exec(ctx, "UPDATE builds SET status = ?, status_info = ?, started_on = ? WHERE id = ?",
			string(status), info, now, id)
	case models.BuildStatusCompleted, models.BuildStatusFailed, models.BuildStatusCanceled:
		res, err = s.c.exec(ctx, "UPDATE builds SET status = ?, status_info = ?, ended_on = ? WHERE id = ?",
			string(status), info, now, id)
	default:
		res, err = s.c.exec(ctx, "UPDATE builds SET status = ?, status_info = ? WHERE id = ?",
			string(status), info, id)
	}
	if err != nil {
		return fmt.Errorf("updating build status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}

	s.logger.Debug("build status updated", "build_id", id, "status", status)
	return nil
}

// SetSize records the on-disk size of the build's prefix.
func (s *BuildStore) SetSize(ctx context.Context, id int64, size int64) error {
	res, err := s.c.exec(ctx, "UPDATE builds SET size = ? WHERE id = ?", size, id)
	if err != nil {
		return fmt.Errorf("updating build size: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (*models.Build, error) {
	build := &models.Build{}
	var status string
	var scheduledOn int64
	var startedOn, endedOn sql.NullInt64
	err := row.Scan(
		&build.ID, &build.SpecificationID, &build.EnvironmentID,
		&build.Namespace, &build.EnvironmentName, &build.SpecificationSHA256,
		&status, &build.StatusInfo, &build.Size, &scheduledOn, &startedOn, &endedOn,
	)
	if err != nil {
		return nil, err
	}
	build.Status = models.BuildStatus(status)
	build.ScheduledOn = fromMicros(scheduledOn)
	build.StartedOn = timePtr(startedOn)
	build.EndedOn = timePtr(endedOn)
	return build, nil
}

// ArtifactStore implements store.ArtifactStore.
type ArtifactStore struct {
	c      conn
	logger *slog.Logger
}

// Create inserts an artifact.
func (s *ArtifactStore) Create(ctx context.Context, artifact *models.BuildArtifact) error {
	err := s.c.queryRow(ctx,
		"INSERT INTO build_artifacts (build_id, artifact_type, artifact_key) VALUES (?, ?, ?) RETURNING id",
		artifact.BuildID, string(artifact.ArtifactType), artifact.Key,
	).Scan(&artifact.ID)
	if err != nil {
		return fmt.Errorf("inserting build artifact: %w", err)
	}
	return nil
}

// ListByBuild retrieves a build's artifacts in insertion order.
func (s *ArtifactStore) ListByBuild(ctx context.Context, buildID int64) ([]*models.BuildArtifact, error) {
	rows, err := s.c.query(ctx,
		"SELECT id, build_id, artifact_type, artifact_key FROM build_artifacts WHERE build_id = ? ORDER BY id",
		buildID)
	if err != nil {
		return nil, fmt.Errorf("querying build artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*models.BuildArtifact
	for rows.Next() {
		a := &models.BuildArtifact{}
		var t string
		if err := rows.Scan(&a.ID, &a.BuildID, &t, &a.Key); err != nil {
			return nil, fmt.Errorf("scanning build artifact: %w", err)
		}
		a.ArtifactType = models.ArtifactType(t)
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating build artifacts: %w", err)
	}
	return artifacts, nil
}
