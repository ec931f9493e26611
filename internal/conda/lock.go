package conda

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/condastore/internal/models"
)

// Package managers that appear in a lock.
const (
	ManagerConda = "conda"
	ManagerPip   = "pip"
)

// LockSpec is a conda-lock.yml document (format version 1).
type LockSpec struct {
	Version  int             `yaml:"version" json:"version"`
	Metadata LockMetadata    `yaml:"metadata" json:"metadata"`
	Package  []LockedPackage `yaml:"package" json:"package"`
}

// LockMetadata describes how the lock was produced.
type LockMetadata struct {
	ContentHash map[string]string `yaml:"content_hash" json:"content_hash"`
	Channels    []LockChannel     `yaml:"channels" json:"channels"`
	Platforms   []string          `yaml:"platforms" json:"platforms"`
	Sources     []string          `yaml:"sources" json:"sources"`
}

// LockChannel is a channel the solver used.
type LockChannel struct {
	URL         string   `yaml:"url" json:"url"`
	UsedEnvVars []string `yaml:"used_env_vars" json:"used_env_vars"`
}

// LockedPackage is one pinned package for one platform.
type LockedPackage struct {
	Name         string            `yaml:"name" json:"name"`
	Version      string            `yaml:"version" json:"version"`
	Manager      string            `yaml:"manager" json:"manager"`
	Platform     string            `yaml:"platform" json:"platform"`
	Dependencies map[string]string `yaml:"dependencies" json:"dependencies"`
	URL          string            `yaml:"url" json:"url"`
	Hash         LockHash          `yaml:"hash" json:"hash"`
	Category     string            `yaml:"category" json:"category"`
	Optional     bool              `yaml:"optional" json:"optional"`
}

// LockHash holds the digests of a package file.
type LockHash struct {
	MD5    string `yaml:"md5,omitempty" json:"md5,omitempty"`
	SHA256 string `yaml:"sha256,omitempty" json:"sha256,omitempty"`
}

// ParseLockSpec decodes a conda-lock.yml document.
func ParseLockSpec(data []byte) (*LockSpec, error) {
	var lock LockSpec
	if err := yaml.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parsing lockfile: %w", err)
	}
	if lock.Version != 1 {
		return nil, fmt.Errorf("unsupported lockfile version %d", lock.Version)
	}
	return &lock, nil
}

// ReadLockSpec reads and decodes a conda-lock.yml file.
func ReadLockSpec(name string) (*LockSpec, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading lockfile: %w", err)
	}
	return ParseLockSpec(data)
}

// Marshal encodes the lock back to yaml.
func (l *LockSpec) Marshal() ([]byte, error) {
	return yaml.Marshal(l)
}

// CondaPackages returns the conda-managed packages for platform in lock
// order. An empty platform selects every platform.
func (l *LockSpec) CondaPackages(platform string) []LockedPackage {
	var out []LockedPackage
	for _, p := range l.Package {
		if p.Manager != ManagerConda {
			continue
		}
		if platform != "" && p.Platform != platform {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Filename returns the package file name taken from its URL.
func (p LockedPackage) Filename() string {
	return path.Base(p.URL)
}

// PackageBuild converts a locked conda package to its stored form.
func (p LockedPackage) PackageBuild() (*models.PackageBuild, error) {
	channel, subdir, filename, err := SplitPackageURL(p.URL)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", p.Name, err)
	}
	build, number := buildFromFilename(filename)

	depends := make([]string, 0, len(p.Dependencies))
	for name, constraint := range p.Dependencies {
		depends = append(depends, strings.TrimSpace(name+" "+constraint))
	}
	sort.Strings(depends)

	return &models.PackageBuild{
		Name:        p.Name,
		Version:     p.Version,
		Build:       build,
		BuildNumber: number,
		Channel:     channel,
		Subdir:      subdir,
		Filename:    filename,
		MD5:         p.Hash.MD5,
		SHA256:      p.Hash.SHA256,
		Depends:     depends,
	}, nil
}

// SplitPackageURL splits <channel>/<subdir>/<filename>.
func SplitPackageURL(raw string) (channel, subdir, filename string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid package url %q: %w", raw, err)
	}
	u.Fragment = ""
	dir, filename := path.Split(u.Path)
	dir = strings.TrimSuffix(dir, "/")
	channelPath, subdir := path.Split(dir)
	if filename == "" || subdir == "" {
		return "", "", "", fmt.Errorf("invalid package url %q: expected <channel>/<subdir>/<filename>", raw)
	}
	u.Path = strings.TrimSuffix(channelPath, "/")
	u.RawPath = ""
	return u.String(), subdir, filename, nil
}

// Dist returns the package file name without its archive extension.
func Dist(filename string) string {
	for _, ext := range []string{".tar.bz2", ".conda"} {
		if strings.HasSuffix(filename, ext) {
			return strings.TrimSuffix(filename, ext)
		}
	}
	return filename
}

// buildFromFilename extracts the build string and build number from
// <name>-<version>-<build>.<ext>.
func buildFromFilename(filename string) (string, int) {
	dist := Dist(filename)
	i := strings.LastIndex(dist, "-")
	if i < 0 {
		return "", 0
	}
	build := dist[i+1:]
	digits := build
	if j := strings.LastIndex(build, "_"); j >= 0 {
		digits = build[j+1:]
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return build, 0
	}
	return build, n
}
