// Package registry abstracts the artifact registry the trigger polls.
// An artifact is an immutable identifier produced by the upstream build
// pipeline; the registry only serves the latest one per service.
package registry

import (
	"context"
	"sync"

	"rolloutd/internal/pipeline"
)

// ArtifactRegistry answers "what is the newest artifact for this
// service". Latest returns nil when the service has no artifact yet.
type ArtifactRegistry interface {
	Latest(ctx context.Context, service string) (*pipeline.Artifact, error)
}

// Static is an in-memory registry for tests and for manual triggers that
// carry the artifact inline.
type Static struct {
	mu        sync.Mutex
	artifacts map[string]*pipeline.Artifact
	err       error
}

// NewStatic creates an empty static registry.
func NewStatic() *Static {
	return &Static{artifacts: make(map[string]*pipeline.Artifact)}
}

// Publish sets the latest artifact for a service.
func (s *Static) Publish(service string, artifact pipeline.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[service] = &artifact
}

// SetError makes Latest return the given error until cleared.
func (s *Static) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Static) Latest(_ context.Context, service string) (*pipeline.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	a, ok := s.artifacts[service]
	if !ok {
		return nil, nil
	}
	copied := *a
	return &copied, nil
}
