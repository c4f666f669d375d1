// Package gittest provides test utilities for the git package.
package gittest

import (
	"testing"
	"time"

	"github.com/go-git/go-billy/v6/memfs"
	gogit "github.com/go-git/go-git/v6"
	gitconfig "github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing/cache"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/storage/filesystem"
	"github.com/stretchr/testify/require"

	"github.com/daemonless/dbuild/internal/git"
)

// InMemoryGitManager wraps *git.GitManager with test-only helpers.
// The underlying repository uses in-memory storage (memfs).
type InMemoryGitManager struct {
	*git.GitManager
	t    *testing.T
	repo *gogit.Repository
	wt   *gogit.Worktree
}

// NewInMemoryGitManager creates a GitManager backed by in-memory storage,
// seeded with one commit carrying the given message.
func NewInMemoryGitManager(t *testing.T, repoRoot, message string) *InMemoryGitManager {
	t.Helper()

	dotGitFS := memfs.New()
	worktreeFS := memfs.New()
	storer := filesystem.NewStorage(dotGitFS, cache.NewObjectLRUDefault())

	repo, err := gogit.Init(storer, gogit.WithWorkTree(worktreeFS))
	require.NoError(t, err, "failed to init in-memory repo")

	wt, err := repo.Worktree()
	require.NoError(t, err, "failed to get worktree")

	f, err := worktreeFS.Create("Containerfile")
	require.NoError(t, err, "failed to create Containerfile")
	_, err = f.Write([]byte("FROM scratch\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = wt.Add("Containerfile")
	require.NoError(t, err, "failed to add Containerfile")

	m := &InMemoryGitManager{
		GitManager: git.NewGitManagerWithRepo(repo, repoRoot),
		t:          t,
		repo:       repo,
		wt:         wt,
	}
	m.Commit(message)
	return m
}

// Commit records an empty commit with the given message on HEAD.
func (m *InMemoryGitManager) Commit(message string) {
	m.t.Helper()
	_, err := m.wt.Commit(message, &gogit.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  "Test User",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(m.t, err, "failed to commit")
}

// AddRemote configures a remote with a single URL.
func (m *InMemoryGitManager) AddRemote(name, url string) {
	m.t.Helper()
	_, err := m.repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: name,
		URLs: []string{url},
	})
	require.NoError(m.t, err, "failed to add remote")
}

// Repository returns the underlying go-git Repository for test assertions.
func (m *InMemoryGitManager) Repository() *gogit.Repository {
	return m.repo
}
