package store

import (
	"context"
	"fmt"
	"time"

	"github.com/narvanalabs/condastore/internal/models"
)

// RegisterEnvironment stores spec under namespace and schedules a build for
// it. The returned build is QUEUED; running it is up to the caller.
func RegisterEnvironment(ctx context.Context, st Store, namespace string, spec *models.CondaSpecification) (*models.Build, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid specification: %w", err)
	}

	var build *models.Build
	err := st.WithTx(ctx, func(tx Store) error {
		ns, err := tx.Namespaces().Ensure(ctx, namespace)
		if err != nil {
			return fmt.Errorf("ensuring namespace: %w", err)
		}

		specification, err := tx.Specifications().Ensure(ctx, spec)
		if err != nil {
			return fmt.Errorf("storing specification: %w", err)
		}

		env, err := tx.Environments().Ensure(ctx, ns.ID, spec.Name, spec.Description)
		if err != nil {
			return fmt.Errorf("ensuring environment: %w", err)
		}

		build = &models.Build{
			SpecificationID:     specification.ID,
			EnvironmentID:       env.ID,
			Namespace:           ns.Name,
			EnvironmentName:     env.Name,
			SpecificationSHA256: specification.SHA256,
			Status:              models.BuildStatusQueued,
			ScheduledOn:         time.Now().UTC(),
		}
		if err := tx.Builds().Create(ctx, build); err != nil {
			return fmt.Errorf("creating build: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return build, nil
}

// RegisterSolve stores spec and schedules a solve for it.
func RegisterSolve(ctx context.Context, st Store, spec *models.CondaSpecification) (*models.Solve, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid specification: %w", err)
	}

	var solve *models.Solve
	err := st.WithTx(ctx, func(tx Store) error {
		specification, err := tx.Specifications().Ensure(ctx, spec)
		if err != nil {
			return fmt.Errorf("storing specification: %w", err)
		}
		solve = &models.Solve{
			SpecificationID: specification.ID,
			ScheduledOn:     time.Now().UTC(),
		}
		return tx.Solves().Create(ctx, solve)
	})
	if err != nil {
		return nil, err
	}
	return solve, nil
}
