package directive

import (
	"fmt"
	"os"
)

// MessageSource yields the HEAD commit message of the local checkout.
type MessageSource interface {
	HeadMessage() (string, error)
}

// OpenRepoFunc opens the local checkout lazily; CI systems that expose the
// message in the environment never call it.
type OpenRepoFunc func() (MessageSource, error)

// Backend is one CI system.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// CommitMessage returns the message of the commit that triggered the run.
	CommitMessage() (string, error)
	// IsPR reports whether the run was triggered by a pull or merge request.
	IsPR() bool
}

// Detect selects the backend from the environment: GitHub Actions,
// Woodpecker, GitLab CI, else a local checkout.
func Detect(getenv func(string) string, open OpenRepoFunc) Backend {
	if getenv == nil {
		getenv = os.Getenv
	}
	switch {
	case getenv("GITHUB_ACTIONS") != "":
		return &github{getenv: getenv, open: open}
	case getenv("CI_PIPELINE_ID") != "":
		return &envBackend{name: "woodpecker", getenv: getenv, prKey: "CI_PIPELINE_EVENT", prValue: "pull_request"}
	case getenv("GITLAB_CI") != "":
		return &envBackend{name: "gitlab", getenv: getenv, prKey: "CI_PIPELINE_SOURCE", prValue: "merge_request_event"}
	default:
		return &local{open: open}
	}
}

// Skip reports whether the backend's commit message skips step. A message
// that cannot be read never skips.
func Skip(b Backend, step string) (bool, error) {
	msg, err := b.CommitMessage()
	if err != nil {
		return false, err
	}
	return ShouldSkip(msg, step), nil
}

func headMessage(open OpenRepoFunc) (string, error) {
	if open == nil {
		return "", nil
	}
	repo, err := open()
	if err != nil {
		return "", fmt.Errorf("opening repository: %w", err)
	}
	return repo.HeadMessage()
}

// github reads DBUILD_COMMIT_MESSAGE when the workflow sets it and falls
// back to the checked out HEAD.
type github struct {
	getenv func(string) string
	open   OpenRepoFunc
}

func (g *github) Name() string { return "github" }

func (g *github) CommitMessage() (string, error) {
	if msg := g.getenv("DBUILD_COMMIT_MESSAGE"); msg != "" {
		return msg, nil
	}
	return headMessage(g.open)
}

func (g *github) IsPR() bool { return g.getenv("GITHUB_EVENT_NAME") == "pull_request" }

// envBackend covers CI systems that export CI_COMMIT_MESSAGE.
type envBackend struct {
	name    string
	getenv  func(string) string
	prKey   string
	prValue string
}

func (e *envBackend) Name() string { return e.name }

func (e *envBackend) CommitMessage() (string, error) {
	return e.getenv("CI_COMMIT_MESSAGE"), nil
}

func (e *envBackend) IsPR() bool { return e.getenv(e.prKey) == e.prValue }

type local struct {
	open OpenRepoFunc
}

func (l *local) Name() string { return "local" }

func (l *local) CommitMessage() (string, error) { return headMessage(l.open) }

func (l *local) IsPR() bool { return false }
