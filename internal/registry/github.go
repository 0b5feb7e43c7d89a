package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"rolloutd/internal/pipeline"
)

// GitHubRegistry serves artifacts from GitHub releases: the latest
// non-draft, non-prerelease release of a repository is the latest
// artifact. Services map to "owner/repo" selectors.
type GitHubRegistry struct {
	client *github.Client

	// Repos maps service names to "owner/repo".
	Repos map[string]string
}

// NewGitHubRegistry creates a registry client. An empty token uses
// unauthenticated requests, which GitHub rate-limits aggressively.
func NewGitHubRegistry(ctx context.Context, token string, repos map[string]string) *GitHubRegistry {
	var client *github.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		client = github.NewClient(oauth2.NewClient(ctx, ts))
	} else {
		client = github.NewClient(nil)
	}
	return &GitHubRegistry{client: client, Repos: repos}
}

func (g *GitHubRegistry) Latest(ctx context.Context, service string) (*pipeline.Artifact, error) {
	selector, ok := g.Repos[service]
	if !ok {
		return nil, fmt.Errorf("no repository configured for service '%s'", service)
	}
	owner, repo, ok := strings.Cut(selector, "/")
	if !ok {
		return nil, fmt.Errorf("invalid repository selector '%s' (want owner/repo)", selector)
	}

	release, resp, err := g.client.Repositories.GetLatestRelease(ctx, owner, repo)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			// No releases yet is not an error, just nothing to deploy.
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch latest release for %s: %w", selector, err)
	}

	tag := release.GetTagName()
	artifact := &pipeline.Artifact{
		ID:     fmt.Sprintf("%s@%s", selector, tag),
		Source: release.GetHTMLURL(),
	}
	if v, err := semver.ParseTolerant(tag); err == nil {
		artifact.Version = v.String()
	}

	return artifact, nil
}
