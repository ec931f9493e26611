package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Namespace groups environments.
type Namespace struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Environment is a named, versioned environment inside a namespace.
type Environment struct {
	ID             int64  `json:"id"`
	NamespaceID    int64  `json:"namespace_id"`
	Namespace      string `json:"namespace"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	CurrentBuildID *int64 `json:"current_build_id,omitempty"`
}

// Specification is a stored, content-addressed environment specification.
type Specification struct {
	ID        int64              `json:"id"`
	Name      string             `json:"name"`
	SHA256    string             `json:"sha256"`
	Spec      CondaSpecification `json:"spec"`
	CreatedOn time.Time          `json:"created_on"`
}

// CondaSpecification mirrors an environment.yaml document.
type CondaSpecification struct {
	Name         string            `json:"name" yaml:"name"`
	Channels     []string          `json:"channels,omitempty" yaml:"channels,omitempty"`
	Dependencies []any             `json:"dependencies" yaml:"dependencies"`
	Variables    map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
	Prefix       string            `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
}

var environmentNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Validate checks the specification is usable as a build input.
func (s *CondaSpecification) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("specification name is required")
	}
	if !environmentNamePattern.MatchString(s.Name) {
		return fmt.Errorf("specification name %q may only contain letters, digits, '_', '.' and '-'", s.Name)
	}
	for i, dep := range s.Dependencies {
		switch d := dep.(type) {
		case string:
			if d == "" {
				return fmt.Errorf("dependency %d is empty", i)
			}
		case map[string]any:
			if _, ok := d["pip"]; !ok || len(d) != 1 {
				return fmt.Errorf("dependency %d: only {pip: [...]} mappings are supported", i)
			}
		default:
			return fmt.Errorf("dependency %d has unsupported type %T", i, dep)
		}
	}
	return nil
}

// SHA256 returns the content hash used to deduplicate specifications and to
// derive build keys. encoding/json sorts map keys, so the digest is stable.
func (s *CondaSpecification) SHA256() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshaling specification: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
