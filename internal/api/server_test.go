package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/narvanalabs/condastore/internal/api/handlers"
	"github.com/narvanalabs/condastore/internal/conda"
	"github.com/narvanalabs/condastore/internal/models"
	"github.com/narvanalabs/condastore/internal/store"
	"github.com/narvanalabs/condastore/internal/store/sqldb"
	"github.com/narvanalabs/condastore/pkg/config"
)

const testBuildID = 12345678

type testServer struct {
	*Server
	build *models.Build
}

func setupServer(t *testing.T, lockfileKey *string) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := sqldb.Open(sqldb.DefaultConfig(sqldb.DriverSQLite, "file:"+filepath.Join(t.TempDir(), "api.db")), logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	spec := &models.CondaSpecification{
		Name:         "this-is-a-long-environment-name",
		Channels:     []string{"conda-forge"},
		Dependencies: []any{"zlib"},
	}
	registered, err := store.RegisterEnvironment(ctx, st, "pytest", spec)
	if err != nil {
		t.Fatalf("RegisterEnvironment: %v", err)
	}
	build := &models.Build{
		ID:              testBuildID,
		SpecificationID: registered.SpecificationID,
		EnvironmentID:   registered.EnvironmentID,
		ScheduledOn:     time.Date(2023, 11, 5, 3, 54, 10, 510258000, time.UTC),
	}
	if err := st.Builds().Create(ctx, build); err != nil {
		t.Fatalf("Create build: %v", err)
	}
	err = st.Packages().AddToBuild(ctx, testBuildID, []*models.PackageBuild{{
		Name:     "zlib",
		Version:  "1.2.13",
		Build:    "hd590300_5",
		Channel:  "https://conda.anaconda.org/conda-forge",
		Subdir:   "linux-64",
		Filename: "zlib-1.2.13-hd590300_5.conda",
		MD5:      "68c34ec6149623be41a1933ab996a209",
	}})
	if err != nil {
		t.Fatalf("AddToBuild: %v", err)
	}

	cfg := config.LoadWithDefaults()
	cfg.BuildKeyVersion = 2
	srv, err := NewServer(cfg, st, logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	if build, err = st.Builds().Get(ctx, testBuildID); err != nil {
		t.Fatalf("Get build: %v", err)
	}
	if lockfileKey != nil {
		key := *lockfileKey
		if key == "current" {
			key = build.CondaLockKey(srv.codec)
		}
		artifact := &models.BuildArtifact{BuildID: testBuildID, ArtifactType: models.ArtifactTypeLockfile, Key: key}
		if err := st.Artifacts().Create(ctx, artifact); err != nil {
			t.Fatalf("Create artifact: %v", err)
		}
	}
	return &testServer{Server: srv, build: build}
}

func (s *testServer) get(path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	return body
}

func ptr(s string) *string { return &s }

func TestGetBuild(t *testing.T) {
	s := setupServer(t, nil)

	rr := s.get("/api/v1/build/12345678")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
	var got handlers.BuildResponse
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	wantKey := s.build.SpecificationSHA256[:8] + "-1699156450-12345678-this-is-a-long-environment-name"
	if got.BuildKey != wantKey {
		t.Errorf("build_key = %q, want %q", got.BuildKey, wantKey)
	}
	if got.LockfileKey != "lockfile/"+wantKey+".yml" {
		t.Errorf("lockfile_key = %q", got.LockfileKey)
	}
	if got.Build == nil || got.ID != testBuildID || got.Namespace != "pytest" {
		t.Errorf("unexpected build: %+v", got.Build)
	}
}

func TestLockfileRoutes(t *testing.T) {
	paths := []string{
		"/api/v1/build/12345678/lockfile",
		"/api/v1/environment/pytest/this-is-a-long-environment-name/build/12345678/lockfile",
	}

	for _, path := range paths {
		t.Run("redirect "+path, func(t *testing.T) {
			s := setupServer(t, ptr("current"))
			rr := s.get(path)
			if rr.Code != http.StatusTemporaryRedirect {
				t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
			}
			want := s.build.CondaLockKey(s.codec)
			if got := rr.Header().Get("Location"); got != want {
				t.Errorf("Location = %q, want %q", got, want)
			}
		})

		t.Run("legacy "+path, func(t *testing.T) {
			s := setupServer(t, ptr(""))
			rr := s.get(path)
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
			}
			if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
				t.Errorf("Content-Type = %q", ct)
			}
			want := "#platform: " + conda.Platform() + "\n@EXPLICIT\n" +
				"https://conda.anaconda.org/conda-forge/linux-64/zlib-1.2.13-hd590300_5.conda#68c34ec6149623be41a1933ab996a209\n"
			if rr.Body.String() != want {
				t.Errorf("body = %q, want %q", rr.Body.String(), want)
			}
		})

		t.Run("ambiguous "+path, func(t *testing.T) {
			s := setupServer(t, ptr("lockfile/c7afdeff-1699156450-87654321-this-is-a-long-environment-name.yml"))
			rr := s.get(path)
			if rr.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
			}
			if code := decodeError(t, rr)["code"]; code != "data_integrity" {
				t.Errorf("code = %v, want data_integrity", code)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	s := setupServer(t, nil)
	for _, path := range []string{
		"/api/v1/build/42",
		"/api/v1/build/42/lockfile",
		"/api/v1/environment/pytest/missing/build/12345678/lockfile",
		"/api/v1/environment/other/this-is-a-long-environment-name/build/12345678/lockfile",
	} {
		rr := s.get(path)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rr.Code)
			continue
		}
		body := decodeError(t, rr)
		if body["code"] != "not_found" || body["request_id"] == "" {
			t.Errorf("%s: body = %v", path, body)
		}
	}
}

func TestInvalidBuildID(t *testing.T) {
	s := setupServer(t, nil)
	for _, path := range []string{"/api/v1/build/abc", "/api/v1/build/-1/lockfile"} {
		if rr := s.get(path); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rr.Code)
		}
	}
}

func TestDecodeBuildKey(t *testing.T) {
	s := setupServer(t, nil)

	rr := s.get("/api/v1/build-key/c7afdeff-1699156450-12345678-this-is-a-long-environment-name")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
	var got handlers.BuildKeyResponse
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != 2 || got.BuildID != testBuildID || got.EnvironmentName != "this-is-a-long-environment-name" {
		t.Errorf("unexpected decode: %+v", got)
	}
	if !got.ScheduledOn.Equal(time.Unix(1699156450, 0)) {
		t.Errorf("scheduled_on = %v", got.ScheduledOn)
	}

	rr = s.get("/api/v1/build-key/abc--86400-7-env")
	if rr.Code != http.StatusOK {
		t.Fatalf("pre-1970 short key: status = %d, body %s", rr.Code, rr.Body)
	}
	got = handlers.BuildKeyResponse{}
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != 2 || got.BuildID != 7 || got.PackageHash != "abc" || got.ScheduledOn.Year() != 1969 {
		t.Errorf("unexpected decode of pre-1970 short key: %+v", got)
	}

	if rr := s.get("/api/v1/build-key/not-a-key"); rr.Code != http.StatusBadRequest {
		t.Errorf("malformed key: status = %d, want 400", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	s := setupServer(t, nil)
	rr := s.get("/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	components, _ := body["components"].(map[string]any)
	if _, ok := components["database"]; !ok {
		t.Errorf("missing database component: %v", body)
	}
}

func TestNewServerRejectsInvalidBuildKeyVersion(t *testing.T) {
	cfg := config.LoadWithDefaults()
	cfg.BuildKeyVersion = 0
	if _, err := NewServer(cfg, nil, nil); err == nil {
		t.Fatal("expected error for build key version 0")
	}
}
