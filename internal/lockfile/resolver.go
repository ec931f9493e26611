// Package lockfile decides how a build's lockfile is served: legacy builds get
// an inline explicit package listing, newer builds a redirect to the stored
// conda-lock output.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/narvanalabs/condastore/internal/buildkey"
	"github.com/narvanalabs/condastore/internal/models"
	"github.com/narvanalabs/condastore/internal/store"
)

// ErrResolutionAmbiguity is returned when a stored lockfile key does not
// identify the build it is attached to.
var ErrResolutionAmbiguity = errors.New("lockfile key does not match build")

// ContentTypeExplicit is the media type of an inline explicit listing.
const ContentTypeExplicit = "text/plain; charset=utf-8"

// Resolution describes the response for a lockfile request. Exactly one of
// Content and Location is set.
type Resolution struct {
	Content     string
	ContentType string
	Location    string
	Status      int
}

// IsRedirect reports whether the resolution points elsewhere.
func (r *Resolution) IsRedirect() bool {
	return r.Location != ""
}

// Resolver resolves build lockfiles against the store.
type Resolver struct {
	store    store.Store
	platform string
	codec    *buildkey.Codec
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPlatform sets the platform named in explicit listings.
func WithPlatform(platform string) Option {
	return func(r *Resolver) { r.platform = platform }
}

// WithCodec sets the codec lockfile keys are decoded with. Its version is
// tried first.
func WithCodec(codec *buildkey.Codec) Option {
	return func(r *Resolver) {
		if codec != nil {
			r.codec = codec
		}
	}
}

// WithLogger sets the resolver's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver creates a Resolver. The platform defaults to linux-64.
func NewResolver(st store.Store, opts ...Option) *Resolver {
	r := &Resolver{store: st, platform: "linux-64", codec: buildkey.Default(), logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve loads the build of namespace/environment and resolves its
// lockfile. A build that belongs to another environment is not found.
func (r *Resolver) Resolve(ctx context.Context, namespace, environment string, buildID int64) (*Resolution, error) {
	env, err := r.store.Environments().Get(ctx, namespace, environment)
	if err != nil {
		return nil, fmt.Errorf("environment %s/%s: %w", namespace, environment, err)
	}
	build, err := r.store.Builds().Get(ctx, buildID)
	if err != nil {
		return nil, fmt.Errorf("build %d: %w", buildID, err)
	}
	if build.EnvironmentID != env.ID {
		return nil, fmt.Errorf("build %d in %s/%s: %w", buildID, namespace, environment, store.ErrNotFound)
	}
	return r.ResolveBuild(ctx, build)
}

// ResolveBuild resolves the lockfile of a loaded build. The build's
// artifacts must be populated.
func (r *Resolver) ResolveBuild(ctx context.Context, build *models.Build) (*Resolution, error) {
	var key string
	if a := build.Artifact(models.ArtifactTypeLockfile); a != nil {
		key = a.Key
	}

	if key == "" {
		return r.explicit(ctx, build)
	}

	if err := checkKey(r.codec, key, build.ID); err != nil {
		r.logger.Error("lockfile key does not match build", "build_id", build.ID, "key", key, "error", err)
		return nil, err
	}
	return &Resolution{Location: key, Status: http.StatusTemporaryRedirect}, nil
}

// explicit renders the legacy listing of the build's packages in
// resolution order.
func (r *Resolver) explicit(ctx context.Context, build *models.Build) (*Resolution, error) {
	packages, err := r.store.Packages().ListByBuild(ctx, build.ID)
	if err != nil {
		return nil, fmt.Errorf("listing packages of build %d: %w", build.ID, err)
	}
	return &Resolution{
		Content:     Explicit(r.platform, packages),
		ContentType: ContentTypeExplicit,
		Status:      http.StatusOK,
	}, nil
}

// Explicit renders an @EXPLICIT package listing.
func Explicit(platform string, packages []*models.PackageBuild) string {
	var b strings.Builder
	b.WriteString("#platform: ")
	b.WriteString(platform)
	b.WriteString("\n@EXPLICIT\n")
	for _, p := range packages {
		b.WriteString(p.ExplicitURL())
		b.WriteByte('\n')
	}
	return b.String()
}

// checkKey verifies that key embeds a build key for buildID.
func checkKey(codec *buildkey.Codec, key string, buildID int64) error {
	bk := strings.TrimSuffix(strings.TrimPrefix(key, models.LockfilePrefix), models.LockfileSuffix)
	c, err := codec.Decode(bk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResolutionAmbiguity, err)
	}
	if c.BuildID != buildID {
		return fmt.Errorf("%w: key names build %d, want %d", ErrResolutionAmbiguity, c.BuildID, buildID)
	}
	return nil
}
