package config

import (
	"os"
	"path/filepath"
	"regexp"
)

// DefaultRegistry is used when neither DBUILD_REGISTRY nor the git remote
// name a registry.
const DefaultRegistry = "localhost"

var (
	sshRemoteRe   = regexp.MustCompile(`^git@[^:]+:([^/]+)/`)
	httpsRemoteRe = regexp.MustCompile(`^https?://[^/]+/([^/]+)/`)
)

// DetectImageName returns the project directory's base name.
func DetectImageName(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return filepath.Base(abs)
}

// DetectRegistry resolves the registry: DBUILD_REGISTRY, then
// ghcr.io/<org> from the origin remote, then DefaultRegistry.
func DetectRegistry(getenv func(string) string, remoteURL RemoteURLFunc) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	if r := getenv("DBUILD_REGISTRY"); r != "" {
		return r
	}
	if remoteURL != nil {
		if url, err := remoteURL(); err == nil {
			if org := ParseRemoteOrg(url); org != "" {
				return "ghcr.io/" + org
			}
		}
	}
	return DefaultRegistry
}

// ParseRemoteOrg extracts the owner from an SSH (git@host:org/repo) or
// HTTPS (https://host/org/repo) remote URL.
func ParseRemoteOrg(url string) string {
	if m := sshRemoteRe.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	if m := httpsRemoteRe.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	return ""
}

// FindComposeFile returns the compose file of a multi-service test.
func FindComposeFile(dir string) (string, bool) {
	for _, name := range []string{"compose.yaml", "compose.yml"} {
		if p := filepath.Join(dir, ".daemonless", name); isFile(p) {
			return p, true
		}
	}
	return "", false
}

// FindBaseline returns the reference screenshot for a variant. Tagged
// baselines win over the shared one.
func FindBaseline(dir, tag string) (string, bool) {
	var candidates []string
	if tag != "" {
		candidates = append(candidates,
			filepath.Join(dir, ".daemonless", "baseline-"+tag+".png"),
			filepath.Join(dir, ".daemonless", "baselines", "baseline-"+tag+".png"),
		)
	}
	candidates = append(candidates,
		filepath.Join(dir, ".daemonless", "baseline.png"),
		filepath.Join(dir, ".daemonless", "baselines", "baseline.png"),
	)
	for _, p := range candidates {
		if isFile(p) {
			return p, true
		}
	}
	return "", false
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
