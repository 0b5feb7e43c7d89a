// Package security validates externally supplied identifiers before they
// reach the store, the filesystem or a subprocess.
package security

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// Safe patterns for validation
	servicePattern  = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	actorPattern    = regexp.MustCompile(`^[a-zA-Z0-9@._:-]+$`)
	artifactPattern = regexp.MustCompile(`^[a-zA-Z0-9@/_.:-]+$`)
)

// ValidateServiceName ensures a service name is safe for use in paths,
// URLs and server group names.
func ValidateServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("service name cannot start with '-' or '.'")
	}
	if len(name) > 64 {
		return fmt.Errorf("service name too long (max 64 characters)")
	}
	if !servicePattern.MatchString(name) {
		return fmt.Errorf("service name contains invalid characters (only a-z, A-Z, 0-9, _, - allowed)")
	}
	return nil
}

// ValidateActor ensures an actor identity from a request header is safe
// to persist and echo back.
func ValidateActor(actor string) error {
	if actor == "" {
		return fmt.Errorf("actor cannot be empty")
	}
	if len(actor) > 128 {
		return fmt.Errorf("actor too long (max 128 characters)")
	}
	if !actorPattern.MatchString(actor) {
		return fmt.Errorf("actor contains invalid characters")
	}
	return nil
}

// ValidateArtifactID ensures an artifact identifier is safe for use in
// exec environment variables and store queries.
func ValidateArtifactID(id string) error {
	if id == "" {
		return fmt.Errorf("artifact id cannot be empty")
	}
	if strings.HasPrefix(id, "-") {
		return fmt.Errorf("artifact id cannot start with '-'")
	}
	if len(id) > 256 {
		return fmt.Errorf("artifact id too long (max 256 characters)")
	}
	if !artifactPattern.MatchString(id) {
		return fmt.Errorf("artifact id contains invalid characters")
	}
	return nil
}
