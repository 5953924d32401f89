package services

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/zymantas-katinas/commit-digest/internal/models"
)

// repoInfo locates a repository on its host.
type repoInfo struct {
	owner       string
	repo        string
	projectPath string // full path, nested groups included
	host        string // host[:port]
	baseURL     string // scheme://host[:port]
}

// parseRepoInfo accepts a web URL (https://gitlab.com/group/sub/project),
// optionally ending in .git, or an scp-style SSH remote
// (git@github.com:owner/repo.git).
func parseRepoInfo(repoURL string) (*repoInfo, error) {
	raw := strings.TrimSpace(repoURL)
	if at := strings.Index(raw, "@"); at != -1 && !strings.Contains(raw, "://") {
		// git@host:path -> https://host/path
		if hostPath := raw[at+1:]; strings.Contains(hostPath, ":") {
			raw = "https://" + strings.Replace(hostPath, ":", "/", 1)
		}
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid repository URL %q", repoURL)
	}

	path := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	parts := strings.Split(path, "/")
	if path == "" || len(parts) < 2 {
		return nil, fmt.Errorf("invalid repository URL %q: need owner/repo", repoURL)
	}

	scheme := u.Scheme
	if scheme == "ssh" || scheme == "git" {
		scheme = "https"
	}
	return &repoInfo{
		owner:       parts[len(parts)-2],
		repo:        parts[len(parts)-1],
		projectPath: path,
		host:        u.Host,
		baseURL:     scheme + "://" + u.Host,
	}, nil
}

// InferProvider guesses the hosting provider when the repository row does
// not name one. Unknown hosts are treated as GitHub Enterprise.
func InferProvider(repoURL string) string {
	u := strings.ToLower(repoURL)
	switch {
	case strings.Contains(u, "gitlab"):
		return models.ProviderGitLab
	case strings.Contains(u, "bitbucket.org"):
		return models.ProviderBitbucket
	}
	return models.ProviderGitHub
}
