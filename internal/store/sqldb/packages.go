package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/narvanalabs/condastore/internal/models"
	"github.com/narvanalabs/condastore/internal/store"
)

// PackageStore implements store.PackageStore. Package rows are shared and
// keyed by (channel, subdir, filename); link tables keep resolution order.
type PackageStore struct {
	c      conn
	logger *slog.Logger
}

// AddToBuild attaches packages to a build after any already attached.
func (s *PackageStore) AddToBuild(ctx context.Context, buildID int64, packages []*models.PackageBuild) error {
	return s.link(ctx, "build_package_builds", "build_id", buildID, packages)
}

// AddToSolve attaches packages to a solve after any already attached.
func (s *PackageStore) AddToSolve(ctx context.Context, solveID int64, packages []*models.PackageBuild) error {
	return s.link(ctx, "solve_package_builds", "solve_id", solveID, packages)
}

// ListByBuild retrieves a build's packages in resolution order.
func (s *PackageStore) ListByBuild(ctx context.Context, buildID int64) ([]*models.PackageBuild, error) {
	return s.list(ctx, "build_package_builds", "build_id", buildID)
}

// ListBySolve retrieves a solve's packages in resolution order.
func (s *PackageStore) ListBySolve(ctx context.Context, solveID int64) ([]*models.PackageBuild, error) {
	return s.list(ctx, "solve_package_builds", "solve_id", solveID)
}

func (s *PackageStore) link(ctx context.Context, table, column string, ownerID int64, packages []*models.PackageBuild) error {
	var next int
	err := s.c.queryRow(ctx,
		"SELECT COALESCE(MAX(position) + 1, 0) FROM "+table+" WHERE "+column+" = ?", ownerID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("querying %s: %w", table, err)
	}

	for i, p := range packages {
		if err := s.ensure(ctx, p); err != nil {
			return err
		}
		_, err := s.c.exec(ctx,
			"INSERT INTO "+table+" ("+column+", package_build_id, position) VALUES (?, ?, ?)",
			ownerID, p.ID, next+i)
		if err != nil {
			return fmt.Errorf("linking package %s: %w", p.Filename, err)
		}
	}

	s.logger.Debug("packages attached", "table", table, "owner_id", ownerID, "count", len(packages))
	return nil
}

// ensure sets p.ID to the stored row for p, inserting it if missing.
func (s *PackageStore) ensure(ctx context.Context, p *models.PackageBuild) error {
	depends := p.Depends
	if depends == nil {
		depends = []string{}
	}
	data, err := json.Marshal(depends)
	if err != nil {
		return fmt.Errorf("marshaling depends: %w", err)
	}

	_, err = s.c.exec(ctx, `
		INSERT INTO package_builds (name, version, build, build_number, channel, subdir, filename, md5, sha256, size, license, depends)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel, subdir, filename) DO NOTHING`,
		p.Name, p.Version, p.Build, p.BuildNumber, p.Channel, p.Subdir, p.Filename,
		p.MD5, p.SHA256, p.Size, p.License, string(data),
	)
	if err != nil {
		return fmt.Errorf("inserting package %s: %w", p.Filename, err)
	}

	err = s.c.queryRow(ctx,
		"SELECT id FROM package_builds WHERE channel = ? AND subdir = ? AND filename = ?",
		p.Channel, p.Subdir, p.Filename,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("querying package %s: %w", p.Filename, err)
	}
	return nil
}

func (s *PackageStore) list(ctx context.Context, table, column string, ownerID int64) ([]*models.PackageBuild, error) {
	rows, err := s.c.query(ctx, `
		SELECT p.id, p.name, p.version, p.build, p.build_number, p.channel, p.subdir, p.filename,
			p.md5, p.sha256, p.size, p.license, p.depends
		FROM `+table+` l
		JOIN package_builds p ON p.id = l.package_build_id
		WHERE l.`+column+` = ?
		ORDER BY l.position`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying packages: %w", err)
	}
	defer rows.Close()

	var packages []*models.PackageBuild
	for rows.Next() {
		p := &models.PackageBuild{}
		var depends string
		if err := rows.Scan(&p.ID, &p.Name, &p.Version, &p.Build, &p.BuildNumber, &p.Channel, &p.Subdir,
			&p.Filename, &p.MD5, &p.SHA256, &p.Size, &p.License, &depends); err != nil {
			return nil, fmt.Errorf("scanning package: %w", err)
		}
		if err := json.Unmarshal([]byte(depends), &p.Depends); err != nil {
			return nil, fmt.Errorf("unmarshaling depends of %s: %w", p.Filename, err)
		}
		packages = append(packages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating packages: %w", err)
	}
	return packages, nil
}

// SolveStore implements store.SolveStore.
type SolveStore struct {
	c      conn
	logger *slog.Logger
}

// Create inserts a solve.
func (s *SolveStore) Create(ctx context.Context, solve *models.Solve) error {
	err := s.c.queryRow(ctx,
		"INSERT INTO solves (specification_id, scheduled_on, started_on, ended_on) VALUES (?, ?, ?, ?) RETURNING id",
		solve.SpecificationID, toMicros(solve.ScheduledOn), nullMicros(solve.StartedOn), nullMicros(solve.EndedOn),
	).Scan(&solve.ID)
	if err != nil {
		return fmt.Errorf("inserting solve: %w", err)
	}
	return nil
}

// Get retrieves a solve by ID.
func (s *SolveStore) Get(ctx context.Context, id int64) (*models.Solve, error) {
	solve := &models.Solve{}
	var scheduledOn int64
	var startedOn, endedOn sql.NullInt64
	err := s.c.queryRow(ctx,
		"SELECT id, specification_id, scheduled_on, started_on, ended_on FROM solves WHERE id = ?", id,
	).Scan(&solve.ID, &solve.SpecificationID, &scheduledOn, &startedOn, &endedOn)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying solve: %w", err)
	}
	solve.ScheduledOn = fromMicros(scheduledOn)
	solve.StartedOn = timePtr(startedOn)
	solve.EndedOn = timePtr(endedOn)
	return solve, nil
}
