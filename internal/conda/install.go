package conda

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/condastore/internal/action"
	"github.com/narvanalabs/condastore/internal/models"
)

// Workspace file names used by the solve and install actions.
const (
	environmentFile = "environment.yaml"
	lockFile        = "conda-lock.yml"
)

// SolveLockfile resolves spec for the given platforms with conda-lock and
// returns the parsed lock.
func SolveLockfile(ctx context.Context, r *action.Runner, tools Tools, spec *models.CondaSpecification, platforms []string) (*action.Result[*LockSpec], error) {
	return action.Run(ctx, r, "solve_lockfile", func(ctx context.Context, ac *action.Context) (*LockSpec, error) {
		if len(platforms) == 0 {
			platforms = []string{Platform()}
		}
		if err := writeSpecification(ac.Join(environmentFile), spec); err != nil {
			return nil, err
		}

		args := []string{
			tools.CondaLock, "lock",
			"--conda", tools.Conda,
			"--file", environmentFile,
			"--lockfile", lockFile,
		}
		for _, p := range platforms {
			args = append(args, "-p", p)
		}

		ac.Log.Info("solving environment", "name", spec.Name, "platforms", strings.Join(platforms, ","))
		if _, err := ac.Run(ctx, args); err != nil {
			return nil, err
		}
		return ReadLockSpec(ac.Join(lockFile))
	})
}

// InstallSpecification creates an environment at prefix directly from spec.
func InstallSpecification(ctx context.Context, r *action.Runner, condaCommand string, spec *models.CondaSpecification, prefix string) (*action.Result[string], error) {
	prefix, err := filepath.Abs(prefix)
	if err != nil {
		return nil, fmt.Errorf("resolving prefix: %w", err)
	}
	return action.Run(ctx, r, "install_specification", func(ctx context.Context, ac *action.Context) (string, error) {
		if err := writeSpecification(ac.Join(environmentFile), spec); err != nil {
			return "", err
		}
		args := []string{condaCommand, "env", "create", "--prefix", prefix, "--file", environmentFile}
		if _, err := ac.Run(ctx, args); err != nil {
			return "", err
		}
		return prefix, nil
	})
}

// InstallLockfile creates an environment at prefix from a solved lock.
func InstallLockfile(ctx context.Context, r *action.Runner, tools Tools, lock *LockSpec, prefix string) (*action.Result[string], error) {
	prefix, err := filepath.Abs(prefix)
	if err != nil {
		return nil, fmt.Errorf("resolving prefix: %w", err)
	}
	return action.Run(ctx, r, "install_lockfile", func(ctx context.Context, ac *action.Context) (string, error) {
		data, err := lock.Marshal()
		if err != nil {
			return "", fmt.Errorf("encoding lockfile: %w", err)
		}
		if err := os.WriteFile(ac.Join(lockFile), data, 0o644); err != nil {
			return "", fmt.Errorf("writing lockfile: %w", err)
		}

		args := []string{tools.CondaLock, "install", "--conda", tools.Conda, "--prefix", prefix, lockFile}
		if _, err := ac.Run(ctx, args); err != nil {
			return "", err
		}
		return prefix, nil
	})
}

// GenerateCondaExport exports the environment at prefix. Conda's stderr is
// kept out of the parsed output and logged as a warning.
func GenerateCondaExport(ctx context.Context, r *action.Runner, condaCommand, prefix string) (*action.Result[*models.CondaSpecification], error) {
	prefix, err := filepath.Abs(prefix)
	if err != nil {
		return nil, fmt.Errorf("resolving prefix: %w", err)
	}
	return action.Run(ctx, r, "generate_conda_export", func(ctx context.Context, ac *action.Context) (*models.CondaSpecification, error) {
		args := []string{condaCommand, "env", "export", "--prefix", prefix, "--json"}
		res, err := ac.Run(ctx, args, action.WithoutStderrRedirect())
		if err != nil {
			return nil, err
		}
		if res.Stderr != "" {
			ac.Log.Warn("conda env export stderr: " + res.Stderr)
		}

		var spec models.CondaSpecification
		if err := json.Unmarshal([]byte(res.Stdout), &spec); err != nil {
			return nil, fmt.Errorf("parsing conda env export: %w", err)
		}
		return &spec, nil
	})
}

func writeSpecification(name string, spec *models.CondaSpecification) error {
	data, err := yaml.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encoding specification: %w", err)
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return fmt.Errorf("writing specification: %w", err)
	}
	return nil
}
