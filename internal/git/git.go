// Package git reads the repository facts dbuild needs: the HEAD commit
// message (for skip directives) and remote URLs (for registry detection).
//
// It imports only stdlib and go-git packages.
package git

import (
	"errors"
	"fmt"
	"strings"

	gogit "github.com/go-git/go-git/v6"
)

var (
	// ErrNotRepository is returned when the path is not inside a git repository.
	ErrNotRepository = errors.New("not a git repository")

	// ErrRemoteNotFound is returned when the named remote is not configured.
	ErrRemoteNotFound = errors.New("remote not found")
)

// GitManager is the facade over an opened repository.
type GitManager struct {
	repo     *gogit.Repository
	repoRoot string
}

// NewGitManager opens the git repository containing the given path,
// walking up the directory tree to find the repository root.
//
// Returns ErrNotRepository (wrapped) if path is not inside a git repository.
func NewGitManager(path string) (*GitManager, error) {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, path)
		}
		return nil, fmt.Errorf("opening repository at %s: %w", path, err)
	}

	root := path
	if wt, err := repo.Worktree(); err == nil {
		root = wt.Filesystem.Root()
	}

	return &GitManager{repo: repo, repoRoot: root}, nil
}

// NewGitManagerWithRepo wraps an existing go-git Repository.
// This is primarily used for testing with in-memory repositories.
func NewGitManagerWithRepo(repo *gogit.Repository, repoRoot string) *GitManager {
	return &GitManager{repo: repo, repoRoot: repoRoot}
}

// Repository returns the underlying go-git Repository.
func (g *GitManager) Repository() *gogit.Repository {
	return g.repo
}

// RepoRoot returns the root directory of the git repository.
func (g *GitManager) RepoRoot() string {
	return g.repoRoot
}

// HeadMessage returns the full commit message of HEAD.
func (g *GitManager) HeadMessage() (string, error) {
	head, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	commit, err := g.repo.CommitObject(head.Hash())
	if err != nil {
		return "", fmt.Errorf("reading HEAD commit: %w", err)
	}
	return strings.TrimRight(commit.Message, "\n"), nil
}

// RemoteURL returns the first URL configured for the named remote.
func (g *GitManager) RemoteURL(name string) (string, error) {
	remote, err := g.repo.Remote(name)
	if err != nil {
		if errors.Is(err, gogit.ErrRemoteNotFound) {
			return "", fmt.Errorf("%w: %s", ErrRemoteNotFound, name)
		}
		return "", fmt.Errorf("reading remote %s: %w", name, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("%w: %s has no URL", ErrRemoteNotFound, name)
	}
	return urls[0], nil
}

// OriginURL is RemoteURL("origin").
func (g *GitManager) OriginURL() (string, error) {
	return g.RemoteURL("origin")
}
