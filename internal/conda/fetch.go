package conda

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/narvanalabs/condastore/internal/action"
)

// ErrChecksumMismatch is returned when a downloaded package does not match
// the digest recorded in the lock.
var ErrChecksumMismatch = errors.New("package checksum mismatch")

// FetchResult lists the packages placed in the package cache.
type FetchResult struct {
	PkgsDir  string
	Packages []string
}

// FetchOption configures FetchAndExtractPackages.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	client   *http.Client
	platform string
}

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(c *http.Client) FetchOption {
	return func(cfg *fetchConfig) { cfg.client = c }
}

// WithPlatform selects which platform's packages are fetched. The host
// platform is used by default.
func WithPlatform(platform string) FetchOption {
	return func(cfg *fetchConfig) { cfg.platform = platform }
}

// FetchAndExtractPackages downloads the conda packages of lock into pkgsDir
// and extracts each into pkgsDir/<dist>. Files already present with a
// matching digest are not downloaded again.
func FetchAndExtractPackages(ctx context.Context, r *action.Runner, lock *LockSpec, pkgsDir string, opts ...FetchOption) (*action.Result[*FetchResult], error) {
	cfg := &fetchConfig{client: http.DefaultClient, platform: Platform()}
	for _, opt := range opts {
		opt(cfg)
	}

	return action.Run(ctx, r, "fetch_and_extract_conda_packages", func(ctx context.Context, ac *action.Context) (*FetchResult, error) {
		if err := os.MkdirAll(pkgsDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating package cache: %w", err)
		}

		packages := lock.CondaPackages(cfg.platform)
		result := &FetchResult{PkgsDir: pkgsDir}
		for i, pkg := range packages {
			filename := pkg.Filename()
			dest := filepath.Join(pkgsDir, filename)

			ac.Log.Info(fmt.Sprintf("DOWNLOAD %s | %d/%d", filename, i+1, len(packages)))
			if err := fetchPackage(ctx, cfg.client, pkg, dest); err != nil {
				return nil, err
			}

			distDir := filepath.Join(pkgsDir, Dist(filename))
			if err := extractPackage(dest, distDir); err != nil {
				return nil, fmt.Errorf("extracting %s: %w", filename, err)
			}
			result.Packages = append(result.Packages, Dist(filename))
		}
		return result, nil
	})
}

func fetchPackage(ctx context.Context, client *http.Client, pkg LockedPackage, dest string) error {
	if err := verifyFile(dest, pkg.Hash); err == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pkg.URL, nil)
	if err != nil {
		return fmt.Errorf("creating request for %s: %w", pkg.Name, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", pkg.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: unexpected status %s", pkg.URL, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("creating download file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("downloading %s: %w", pkg.URL, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := verifyFile(tmp.Name(), pkg.Hash); err != nil {
		return fmt.Errorf("%s: %w", pkg.URL, err)
	}
	return os.Rename(tmp.Name(), dest)
}

// verifyFile checks name against the sha256 digest, or md5 when no sha256 is
// recorded. A lock without digests accepts any existing file.
func verifyFile(name string, want LockHash) error {
	var h hash.Hash
	var expected string
	switch {
	case want.SHA256 != "":
		h, expected = sha256.New(), want.SHA256
	case want.MD5 != "":
		h, expected = md5.New(), want.MD5
	}

	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	if h == nil {
		return nil
	}
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, expected) {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, expected)
	}
	return nil
}

// extractPackage unpacks a .tar.bz2 or .conda archive into dir.
func extractPackage(archive, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	switch {
	case strings.HasSuffix(archive, ".tar.bz2"):
		f, err := os.Open(archive)
		if err != nil {
			return err
		}
		defer f.Close()
		return extractTar(tar.NewReader(bzip2.NewReader(f)), dir)
	case strings.HasSuffix(archive, ".conda"):
		return extractConda(archive, dir)
	default:
		return fmt.Errorf("unsupported package format %s", filepath.Base(archive))
	}
}

// extractConda unpacks the zstd tarballs nested inside a .conda zip.
func extractConda(archive, dir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer zr.Close()

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()

	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".tar.zst") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		if err := dec.Reset(rc); err != nil {
			rc.Close()
			return err
		}
		err = extractTar(tar.NewReader(dec), dir)
		rc.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	return nil
}

func extractTar(tr *tar.Reader, dir string) error {
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}
		if err := checkParents(dir, target); err != nil {
			return fmt.Errorf("archive entry %q: %w", hdr.Name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) || !within(dir, filepath.Join(filepath.Dir(target), hdr.Linkname)) {
				return fmt.Errorf("archive symlink %q -> %q escapes destination", hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			source, err := safeJoin(dir, hdr.Linkname)
			if err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(source, target); err != nil {
				return err
			}
		}
	}
}

func writeFile(name string, r io.Reader, perm fs.FileMode) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// safeJoin joins name under dir, rejecting entries that escape it.
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, name)
	if !within(dir, target) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}

// within reports whether path lies inside dir, lexically.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// checkParents refuses to write target when one of its existing parent
// directories below dir is a symlink resolving outside dir. Earlier entries
// of the same archive may have planted such a link.
func checkParents(dir, target string) error {
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(dir, filepath.Dir(target))
	if err != nil || rel == "." {
		return err
	}
	current := dir
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			continue
		}
		resolved, err := filepath.EvalSymlinks(current)
		if err != nil {
			return err
		}
		if !within(root, resolved) {
			return fmt.Errorf("parent %q resolves outside destination", current)
		}
	}
	return nil
}
