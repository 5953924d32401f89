package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zymantas-katinas/commit-digest/internal/config"
	"github.com/zymantas-katinas/commit-digest/internal/models"
	"github.com/zymantas-katinas/commit-digest/pkg/logger"
)

const commitsPerPage = 100

type Commit struct {
	SHA         string    `json:"sha"`
	Message     string    `json:"message"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email"`
	AuthorLogin string    `json:"author_login,omitempty"`
	AuthorDate  time.Time `json:"author_date"`
	URL         string    `json:"url,omitempty"`
}

type CommitQuery struct {
	RepositoryURL string
	Provider      string
	Branch        string
	Token         string
	Since         time.Time
	Until         time.Time
}

type CommitSource interface {
	FetchCommits(ctx context.Context, q CommitQuery) ([]Commit, error)
}

// GitHub commit structure
type gitHubCommit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name  string    `json:"name"`
			Email string    `json:"email"`
			Date  time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Author *struct {
		Login string `json:"login"`
	} `json:"author"`
	HTMLURL string `json:"html_url"`
}

// GitLab commit structure
type gitLabCommit struct {
	ID          string    `json:"id"`
	Message     string    `json:"message"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email"`
	AuthoredAt  time.Time `json:"authored_date"`
	WebURL      string    `json:"web_url"`
}

// Bitbucket commit structure
type bitbucketCommitResponse struct {
	Values []struct {
		Hash    string `json:"hash"`
		Message string `json:"message"`
		Author  struct {
			Raw  string `json:"raw"`
			User struct {
				DisplayName string `json:"display_name"`
				Nickname    string `json:"nickname"`
			} `json:"user"`
		} `json:"author"`
		Date  time.Time `json:"date"`
		Links struct {
			HTML struct {
				Href string `json:"href"`
			} `json:"html"`
		} `json:"links"`
	} `json:"values"`
	Next string `json:"next"`
}

// HTTPCommitSource lists commits through the GitHub, GitLab and Bitbucket
// REST APIs.
type HTTPCommitSource struct {
	httpClient      *http.Client
	githubAPIURL    string
	bitbucketAPIURL string
	maxPages        int
}

func NewHTTPCommitSource(cfg *config.SourceConfig) *HTTPCommitSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}
	apiURL := strings.TrimRight(cfg.GitHubAPIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	return &HTTPCommitSource{
		httpClient:      &http.Client{Timeout: timeout},
		githubAPIURL:    apiURL,
		bitbucketAPIURL: "https://api.bitbucket.org/2.0",
		maxPages:        maxPages,
	}
}

func (s *HTTPCommitSource) FetchCommits(ctx context.Context, q CommitQuery) ([]Commit, error) {
	info, err := parseRepoInfo(q.RepositoryURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRepositoryNotFound, err)
	}

	provider := q.Provider
	if provider == "" {
		provider = InferProvider(q.RepositoryURL)
	}

	var commits []Commit
	switch provider {
	case models.ProviderGitHub:
		commits, err = s.fetchGitHub(ctx, info, q)
	case models.ProviderGitLab:
		commits, err = s.fetchGitLab(ctx, info, q)
	case models.ProviderBitbucket:
		commits, err = s.fetchBitbucket(ctx, info, q)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("provider", provider).
		Str("repository", info.projectPath).
		Str("branch", q.Branch).
		Int("commits", len(commits)).
		Msg("fetched commits")
	return commits, nil
}

// githubAPIBase maps github.com to the public API and any other host to a
// GitHub Enterprise /api/v3 root.
func (s *HTTPCommitSource) githubAPIBase(info *repoInfo) string {
	if info.host == "github.com" || info.host == "www.github.com" {
		return s.githubAPIURL
	}
	return info.baseURL + "/api/v3"
}

func (s *HTTPCommitSource) fetchGitHub(ctx context.Context, info *repoInfo, q CommitQuery) ([]Commit, error) {
	params := url.Values{}
	params.Set("since", q.Since.UTC().Format(time.RFC3339))
	params.Set("per_page", fmt.Sprint(commitsPerPage))
	if !q.Until.IsZero() {
		params.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	if q.Branch != "" {
		params.Set("sha", q.Branch)
	}
	apiURL := fmt.Sprintf("%s/repos/%s/%s/commits", s.githubAPIBase(info), info.owner, info.repo)

	var result []Commit
	for page := 1; page <= s.maxPages; page++ {
		params.Set("page", fmt.Sprint(page))
		headers := map[string]string{"Accept": "application/vnd.github.v3+json"}
		if q.Token != "" {
			headers["Authorization"] = "token " + q.Token
		}

		var commits []gitHubCommit
		if err := s.getJSON(ctx, models.ProviderGitHub, apiURL+"?"+params.Encode(), headers, &commits); err != nil {
			return nil, err
		}

		for _, c := range commits {
			commit := Commit{
				SHA:         c.SHA,
				Message:     c.Commit.Message,
				AuthorName:  c.Commit.Author.Name,
				AuthorEmail: c.Commit.Author.Email,
				AuthorDate:  c.Commit.Author.Date,
				URL:         c.HTMLURL,
			}
			if c.Author != nil {
				commit.AuthorLogin = c.Author.Login
			}
			result = append(result, commit)
		}

		if len(commits) < commitsPerPage {
			break
		}
	}
	return result, nil
}

func (s *HTTPCommitSource) fetchGitLab(ctx context.Context, info *repoInfo, q CommitQuery) ([]Commit, error) {
	params := url.Values{}
	params.Set("since", q.Since.UTC().Format(time.RFC3339))
	params.Set("per_page", fmt.Sprint(commitsPerPage))
	if !q.Until.IsZero() {
		params.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	if q.Branch != "" {
		params.Set("ref_name", q.Branch)
	}
	apiURL := fmt.Sprintf("%s/api/v4/projects/%s/repository/commits", info.baseURL, url.PathEscape(info.projectPath))

	var result []Commit
	for page := 1; page <= s.maxPages; page++ {
		params.Set("page", fmt.Sprint(page))
		headers := map[string]string{}
		if q.Token != "" {
			headers["PRIVATE-TOKEN"] = q.Token
		}

		var commits []gitLabCommit
		if err := s.getJSON(ctx, models.ProviderGitLab, apiURL+"?"+params.Encode(), headers, &commits); err != nil {
			return nil, err
		}

		for _, c := range commits {
			result = append(result, Commit{
				SHA:         c.ID,
				Message:     c.Message,
				AuthorName:  c.AuthorName,
				AuthorEmail: c.AuthorEmail,
				AuthorDate:  c.AuthoredAt,
				URL:         c.WebURL,
			})
		}

		if len(commits) < commitsPerPage {
			break
		}
	}
	return result, nil
}

// fetchBitbucket walks the newest-first commit list until it passes Since;
// the API has no date filter.
func (s *HTTPCommitSource) fetchBitbucket(ctx context.Context, info *repoInfo, q CommitQuery) ([]Commit, error) {
	nextURL := fmt.Sprintf("%s/repositories/%s/commits", s.bitbucketAPIURL, info.projectPath)
	if q.Branch != "" {
		nextURL += "/" + url.PathEscape(q.Branch)
	}
	nextURL += "?pagelen=50"

	var result []Commit
	for page := 1; nextURL != "" && page <= s.maxPages; page++ {
		headers := map[string]string{}
		if q.Token != "" {
			headers["Authorization"] = "Bearer " + q.Token
		}

		var resp bitbucketCommitResponse
		if err := s.getJSON(ctx, models.ProviderBitbucket, nextURL, headers, &resp); err != nil {
			return nil, err
		}

		nextURL = resp.Next
		for _, c := range resp.Values {
			if c.Date.Before(q.Since) {
				nextURL = ""
				break
			}
			if !q.Until.IsZero() && c.Date.After(q.Until) {
				continue
			}
			name, email := splitRawAuthor(c.Author.Raw)
			if c.Author.User.DisplayName != "" {
				name = c.Author.User.DisplayName
			}
			result = append(result, Commit{
				SHA:         c.Hash,
				Message:     c.Message,
				AuthorName:  name,
				AuthorEmail: email,
				AuthorLogin: c.Author.User.Nickname,
				AuthorDate:  c.Date,
				URL:         c.Links.HTML.Href,
			})
		}
	}
	return result, nil
}

func (s *HTTPCommitSource) getJSON(ctx context.Context, provider, reqURL string, headers map[string]string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s API request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	if err := classifyResponse(provider, resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// classifyResponse turns a non-2xx provider response into a SourceError.
func classifyResponse(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	srcErr := &SourceError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		srcErr.Kind = SourceRateLimited
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		srcErr.Kind = SourceRateLimited
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		srcErr.Kind = SourceUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		srcErr.Kind = SourceNotFound
	default:
		srcErr.Kind = SourceUnavailable
	}
	return srcErr
}

// splitRawAuthor parses "Name <email>".
func splitRawAuthor(raw string) (name, email string) {
	open := strings.Index(raw, "<")
	closeIdx := strings.LastIndex(raw, ">")
	if open == -1 || closeIdx < open {
		return strings.TrimSpace(raw), ""
	}
	return strings.TrimSpace(raw[:open]), raw[open+1 : closeIdx]
}
