package models

import (
	"time"

	"github.com/narvanalabs/condastore/internal/buildkey"
)

// BuildStatus represents the current state of a build.
type BuildStatus string

const (
	BuildStatusQueued    BuildStatus = "QUEUED"
	BuildStatusBuilding  BuildStatus = "BUILDING"
	BuildStatusCompleted BuildStatus = "COMPLETED"
	BuildStatusFailed    BuildStatus = "FAILED"
	BuildStatusCanceled  BuildStatus = "CANCELED"
)

// Artifact key prefixes. A build key is appended to each of them.
const (
	LockfilePrefix  = "lockfile/"
	CondaPackPrefix = "tar/"
	EnvExportPrefix = "yaml/"
	LogPrefix       = "logs/"
	LockfileSuffix  = ".yml"
	CondaPackSuffix = ".tar.gz"
	EnvExportSuffix = ".yml"
	LogSuffix       = ".log"
)

// Build is a scheduled materialization of a specification into an
// environment.
type Build struct {
	ID                  int64       `json:"id"`
	SpecificationID     int64       `json:"specification_id"`
	EnvironmentID       int64       `json:"environment_id"`
	Namespace           string      `json:"namespace"`
	EnvironmentName     string      `json:"environment_name"`
	SpecificationSHA256 string      `json:"specification_sha256"`
	Status              BuildStatus `json:"status"`
	StatusInfo          string      `json:"status_info,omitempty"`
	Size                int64       `json:"size"`
	ScheduledOn         time.Time   `json:"scheduled_on"`
	StartedOn           *time.Time  `json:"started_on,omitempty"`
	EndedOn             *time.Time  `json:"ended_on,omitempty"`

	Artifacts []*BuildArtifact `json:"artifacts,omitempty"`
}

// BuildKey derives the build's artifact key. The inputs are fixed when the
// build is scheduled, so the key never changes for a given codec version.
func (b *Build) BuildKey(codec *buildkey.Codec) string {
	return codec.Encode(b.SpecificationSHA256, b.ScheduledOn, b.ID, b.EnvironmentName)
}

// CondaLockKey is where the conda-lock output of the build is stored.
func (b *Build) CondaLockKey(codec *buildkey.Codec) string {
	return LockfilePrefix + b.BuildKey(codec) + LockfileSuffix
}

// CondaPackKey is where the packed environment tarball is stored.
func (b *Build) CondaPackKey(codec *buildkey.Codec) string {
	return CondaPackPrefix + b.BuildKey(codec) + CondaPackSuffix
}

// CondaEnvExportKey is where the exported environment yaml is stored.
func (b *Build) CondaEnvExportKey(codec *buildkey.Codec) string {
	return EnvExportPrefix + b.BuildKey(codec) + EnvExportSuffix
}

// LogKey is where the build log is stored.
func (b *Build) LogKey(codec *buildkey.Codec) string {
	return LogPrefix + b.BuildKey(codec) + LogSuffix
}

// Artifact returns the first artifact of the given type, or nil.
func (b *Build) Artifact(t ArtifactType) *BuildArtifact {
	for _, a := range b.Artifacts {
		if a.ArtifactType == t {
			return a
		}
	}
	return nil
}

// ArtifactType classifies build artifacts.
type ArtifactType string

const (
	ArtifactTypeLockfile  ArtifactType = "LOCKFILE"
	ArtifactTypeLogs      ArtifactType = "LOGS"
	ArtifactTypeYAML      ArtifactType = "YAML"
	ArtifactTypeCondaPack ArtifactType = "CONDA_PACK"
	ArtifactTypeDirectory ArtifactType = "DIRECTORY"
)

// BuildArtifact records where an output of a build lives. For LOCKFILE
// artifacts an empty Key marks a legacy build created before lockfiles were
// generated.
type BuildArtifact struct {
	ID           int64        `json:"id"`
	BuildID      int64        `json:"build_id"`
	ArtifactType ArtifactType `json:"artifact_type"`
	Key          string       `json:"key"`
}

// Solve is a standalone lockfile resolution of a specification.
type Solve struct {
	ID              int64      `json:"id"`
	SpecificationID int64      `json:"specification_id"`
	ScheduledOn     time.Time  `json:"scheduled_on"`
	StartedOn       *time.Time `json:"started_on,omitempty"`
	EndedOn         *time.Time `json:"ended_on,omitempty"`
}
