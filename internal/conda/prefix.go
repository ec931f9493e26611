package conda

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/klauspost/compress/gzip"

	"github.com/narvanalabs/condastore/internal/action"
	"github.com/narvanalabs/condastore/internal/models"
	"github.com/narvanalabs/condastore/internal/store"
)

// ErrNotCondaPrefix is returned when an action expects a conda environment
// and the directory is not one.
var ErrNotCondaPrefix = errors.New("not a conda prefix")

// WorkspaceStateError reports a prefix in the wrong state for an action.
type WorkspaceStateError struct {
	Prefix string
	Err    error
}

func (e *WorkspaceStateError) Error() string {
	return fmt.Sprintf("%s: %v", e.Prefix, e.Err)
}

func (e *WorkspaceStateError) Unwrap() error {
	return e.Err
}

// Stats summarizes an environment prefix.
type Stats struct {
	DiskUsage int64 `json:"disk_usage"`
}

// GenerateCondaPack writes a gzip-compressed tarball of prefix to output.
// The archive is assembled in the action workspace and copied out once
// complete.
func GenerateCondaPack(ctx context.Context, r *action.Runner, prefix, output string) (*action.Result[string], error) {
	return action.Run(ctx, r, "generate_conda_pack", func(ctx context.Context, ac *action.Context) (string, error) {
		if !IsCondaPrefix(prefix) {
			return "", &WorkspaceStateError{Prefix: prefix, Err: ErrNotCondaPrefix}
		}

		tmp := ac.Join("environment.tar.gz")
		n, err := writeTarball(ctx, prefix, tmp)
		if err != nil {
			return "", fmt.Errorf("packing %s: %w", prefix, err)
		}
		if err := ac.Materialize(tmp, output); err != nil {
			return "", fmt.Errorf("writing %s: %w", output, err)
		}
		ac.Log.Info("packed conda prefix", "prefix", prefix, "output", output, "files", n)
		return output, nil
	})
}

func writeTarball(ctx context.Context, root, name string) (int, error) {
	f, err := os.Create(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	count := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		count++

		if !info.Mode().IsRegular() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return count, err
	}
	if err := tw.Close(); err != nil {
		return count, err
	}
	if err := gz.Close(); err != nil {
		return count, err
	}
	return count, f.Close()
}

// RemoveCondaPrefix deletes the environment at prefix. Directories that are
// not conda environments are refused.
func RemoveCondaPrefix(ctx context.Context, r *action.Runner, prefix string) (*action.Result[struct{}], error) {
	return action.Run(ctx, r, "remove_conda_prefix", func(ctx context.Context, ac *action.Context) (struct{}, error) {
		if !IsCondaPrefix(prefix) {
			return struct{}{}, &WorkspaceStateError{Prefix: prefix, Err: ErrNotCondaPrefix}
		}
		if err := os.RemoveAll(prefix); err != nil {
			return struct{}{}, fmt.Errorf("removing %s: %w", prefix, err)
		}
		ac.Log.Info("removed conda prefix", "prefix", prefix)
		return struct{}{}, nil
	})
}

// SetCondaPrefixPermissions applies an octal mode and ownership to prefix
// recursively. An empty permissions string or nil uid and gid leave the
// corresponding attribute alone, as do values that already match.
func SetCondaPrefixPermissions(ctx context.Context, r *action.Runner, prefix, permissions string, uid, gid *int) (*action.Result[struct{}], error) {
	prefix, err := filepath.Abs(prefix)
	if err != nil {
		return nil, fmt.Errorf("resolving prefix: %w", err)
	}
	return action.Run(ctx, r, "set_conda_prefix_permissions", func(ctx context.Context, ac *action.Context) (struct{}, error) {
		info, err := os.Stat(prefix)
		if err != nil {
			return struct{}{}, fmt.Errorf("inspecting %s: %w", prefix, err)
		}

		if permissions == "" {
			ac.Log.Info("no changes for permissions of conda_prefix")
		} else {
			mode, err := strconv.ParseUint(permissions, 8, 32)
			if err != nil || mode > 0o7777 {
				return struct{}{}, fmt.Errorf("invalid permissions %q: expected octal mode", permissions)
			}
			if fs.FileMode(mode) == info.Mode().Perm() {
				ac.Log.Info("no changes for permissions of conda_prefix")
			} else {
				ac.Log.Info("changing permissions of conda_prefix", "prefix", prefix, "permissions", permissions)
				if _, err := ac.Run(ctx, []string{"chmod", "-R", permissions, prefix}); err != nil {
					return struct{}{}, err
				}
			}
		}

		owner := ownerSpec(info, uid, gid)
		if owner == "" {
			ac.Log.Info("no changes for gid and uid of conda_prefix")
			return struct{}{}, nil
		}
		ac.Log.Info("changing gid and uid of conda_prefix", "prefix", prefix, "owner", owner)
		if _, err := ac.Run(ctx, []string{"chown", "-R", owner, prefix}); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
}

// ownerSpec builds a chown argument ("uid", ":gid" or "uid:gid") for the ids
// that differ from the current owner, or "" when nothing changes.
func ownerSpec(info fs.FileInfo, uid, gid *int) string {
	curUID, curGID, known := ownerOf(info)
	var spec string
	if uid != nil && (!known || *uid != curUID) {
		spec = strconv.Itoa(*uid)
	}
	if gid != nil && (!known || *gid != curGID) {
		spec += ":" + strconv.Itoa(*gid)
	}
	return spec
}

// GetCondaPrefixStats measures the environment at prefix.
func GetCondaPrefixStats(ctx context.Context, r *action.Runner, prefix string) (*action.Result[*Stats], error) {
	return action.Run(ctx, r, "get_conda_prefix_stats", func(ctx context.Context, ac *action.Context) (*Stats, error) {
		stats := &Stats{}
		err := filepath.WalkDir(prefix, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.Mode().IsRegular() {
				stats.DiskUsage += info.Size()
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("measuring %s: %w", prefix, err)
		}
		ac.Log.Info("computed conda prefix stats", "prefix", prefix, "disk_usage", stats.DiskUsage)
		return stats, nil
	})
}

// prefixRecord is the subset of a conda-meta/<dist>.json record we store.
type prefixRecord struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Build       string   `json:"build"`
	BuildNumber int      `json:"build_number"`
	Channel     string   `json:"channel"`
	Subdir      string   `json:"subdir"`
	Filename    string   `json:"fn"`
	URL         string   `json:"url"`
	MD5         string   `json:"md5"`
	SHA256      string   `json:"sha256"`
	Size        int64    `json:"size"`
	License     string   `json:"license"`
	Depends     []string `json:"depends"`
}

func (p prefixRecord) packageBuild() (*models.PackageBuild, error) {
	pkg := &models.PackageBuild{
		Name:        p.Name,
		Version:     p.Version,
		Build:       p.Build,
		BuildNumber: p.BuildNumber,
		Channel:     p.Channel,
		Subdir:      p.Subdir,
		Filename:    p.Filename,
		MD5:         p.MD5,
		SHA256:      p.SHA256,
		Size:        p.Size,
		License:     p.License,
		Depends:     p.Depends,
	}
	if p.URL != "" {
		channel, subdir, filename, err := SplitPackageURL(p.URL)
		if err != nil {
			return nil, err
		}
		pkg.Channel, pkg.Subdir, pkg.Filename = channel, subdir, filename
	}
	if pkg.Channel == "" || pkg.Subdir == "" || pkg.Filename == "" {
		return nil, fmt.Errorf("package %s: missing channel, subdir or filename", p.Name)
	}
	return pkg, nil
}

// ReadPrefixPackages returns the packages recorded in prefix/conda-meta,
// ordered by file name.
func ReadPrefixPackages(prefix string) ([]*models.PackageBuild, error) {
	if !IsCondaPrefix(prefix) {
		return nil, &WorkspaceStateError{Prefix: prefix, Err: ErrNotCondaPrefix}
	}
	files, err := filepath.Glob(filepath.Join(prefix, "conda-meta", "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	packages := make([]*models.PackageBuild, 0, len(files))
	for _, name := range files {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, err
		}
		var rec prefixRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filepath.Base(name), err)
		}
		pkg, err := rec.packageBuild()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
		}
		packages = append(packages, pkg)
	}
	return packages, nil
}

// AddCondaPrefixPackages records the packages installed in prefix against a
// build.
func AddCondaPrefixPackages(ctx context.Context, r *action.Runner, st store.Store, prefix string, buildID int64) (*action.Result[[]*models.PackageBuild], error) {
	return action.Run(ctx, r, "add_conda_prefix_packages", func(ctx context.Context, ac *action.Context) ([]*models.PackageBuild, error) {
		packages, err := ReadPrefixPackages(prefix)
		if err != nil {
			return nil, err
		}
		if err := st.Packages().AddToBuild(ctx, buildID, packages); err != nil {
			return nil, fmt.Errorf("storing packages of build %d: %w", buildID, err)
		}
		ac.Log.Info("added conda prefix packages", "build_id", buildID, "count", len(packages))
		return packages, nil
	})
}

// AddLockfilePackages records the conda packages of lock against a solve.
func AddLockfilePackages(ctx context.Context, r *action.Runner, st store.Store, lock *LockSpec, solveID int64) (*action.Result[[]*models.PackageBuild], error) {
	return action.Run(ctx, r, "add_lockfile_packages", func(ctx context.Context, ac *action.Context) ([]*models.PackageBuild, error) {
		locked := lock.CondaPackages("")
		packages := make([]*models.PackageBuild, 0, len(locked))
		for _, p := range locked {
			pkg, err := p.PackageBuild()
			if err != nil {
				return nil, err
			}
			packages = append(packages, pkg)
		}
		if err := st.Packages().AddToSolve(ctx, solveID, packages); err != nil {
			return nil, fmt.Errorf("storing packages of solve %d: %w", solveID, err)
		}
		ac.Log.Info("added lockfile packages", "solve_id", solveID, "count", len(packages))
		return packages, nil
	})
}
