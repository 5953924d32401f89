package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zymantas-katinas/commit-digest/internal/config"
	"github.com/zymantas-katinas/commit-digest/internal/models"
)

func newTestCommitSource(maxPages int) *HTTPCommitSource {
	return NewHTTPCommitSource(&config.SourceConfig{Timeout: 5 * time.Second, MaxPages: maxPages})
}

func TestHTTPCommitSource_GitHub(t *testing.T) {
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var gotAuth, gotSince, gotBranch string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/repos/acme/widgets/commits" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotSince = r.URL.Query().Get("since")
		gotBranch = r.URL.Query().Get("sha")
		fmt.Fprint(w, `[
			{"sha":"abc123","html_url":"https://example/c/abc123",
			 "commit":{"message":"Fix login","author":{"name":"Ann","email":"ann@example.com","date":"2024-03-01T10:00:00Z"}},
			 "author":{"login":"ann"}},
			{"sha":"def456",
			 "commit":{"message":"Add docs","author":{"name":"Bob","email":"bob@example.com","date":"2024-03-01T11:00:00Z"}},
			 "author":null}
		]`)
	}))
	defer server.Close()

	commits, err := newTestCommitSource(5).FetchCommits(context.Background(), CommitQuery{
		RepositoryURL: server.URL + "/acme/widgets",
		Provider:      models.ProviderGitHub,
		Branch:        "main",
		Token:         "ghp_x",
		Since:         since,
	})
	if err != nil {
		t.Fatalf("FetchCommits() error = %v", err)
	}

	if gotAuth != "token ghp_x" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotSince != "2024-03-01T00:00:00Z" {
		t.Errorf("since = %q", gotSince)
	}
	if gotBranch != "main" {
		t.Errorf("sha = %q", gotBranch)
	}
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}
	if commits[0].AuthorLogin != "ann" || commits[0].URL != "https://example/c/abc123" {
		t.Errorf("unexpected first commit: %+v", commits[0])
	}
	if commits[1].AuthorLogin != "" || commits[1].AuthorName != "Bob" {
		t.Errorf("unexpected second commit: %+v", commits[1])
	}
}

func TestHTTPCommitSource_GitHubPagination(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		page := r.URL.Query().Get("page")
		n := commitsPerPage
		if page == "2" {
			n = 3
		}
		out := make([]gitHubCommit, n)
		for i := range out {
			out[i].SHA = fmt.Sprintf("p%s-%d", page, i)
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer server.Close()

	commits, err := newTestCommitSource(5).FetchCommits(context.Background(), CommitQuery{
		RepositoryURL: server.URL + "/acme/widgets",
		Provider:      models.ProviderGitHub,
		Since:         time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("FetchCommits() error = %v", err)
	}
	if requests != 2 {
		t.Errorf("expected 2 page requests, got %d", requests)
	}
	if len(commits) != commitsPerPage+3 {
		t.Errorf("expected %d commits, got %d", commitsPerPage+3, len(commits))
	}
}

func TestHTTPCommitSource_MaxPages(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		json.NewEncoder(w).Encode(make([]gitHubCommit, commitsPerPage))
	}))
	defer server.Close()

	commits, err := newTestCommitSource(2).FetchCommits(context.Background(), CommitQuery{
		RepositoryURL: server.URL + "/acme/widgets",
		Provider:      models.ProviderGitHub,
		Since:         time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if requests != 2 || len(commits) != 2*commitsPerPage {
		t.Errorf("requests=%d commits=%d", requests, len(commits))
	}
}

func TestHTTPCommitSource_GitLab(t *testing.T) {
	var gotToken, gotRef string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.EscapedPath(), "/api/v4/projects/group%2Fsub%2Fproject/repository/commits") {
			t.Errorf("unexpected path %s", r.URL.EscapedPath())
		}
		gotToken = r.Header.Get("PRIVATE-TOKEN")
		gotRef = r.URL.Query().Get("ref_name")
		fmt.Fprint(w, `[{"id":"a1","message":"Refactor","author_name":"Cy","author_email":"cy@example.com",
			"authored_date":"2024-03-02T08:00:00Z","web_url":"https://gitlab/c/a1"}]`)
	}))
	defer server.Close()

	commits, err := newTestCommitSource(5).FetchCommits(context.Background(), CommitQuery{
		RepositoryURL: server.URL + "/group/sub/project.git",
		Provider:      models.ProviderGitLab,
		Branch:        "develop",
		Token:         "glpat",
		Since:         time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("FetchCommits() error = %v", err)
	}
	if gotToken != "glpat" || gotRef != "develop" {
		t.Errorf("token=%q ref=%q", gotToken, gotRef)
	}
	if len(commits) != 1 || commits[0].SHA != "a1" || commits[0].AuthorEmail != "cy@example.com" {
		t.Errorf("unexpected commits: %+v", commits)
	}
}

func TestHTTPCommitSource_BitbucketStopsAtSince(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprintf(w, `{"values":[
			{"hash":"n1","message":"new","date":"2024-03-05T00:00:00Z","author":{"raw":"Dee <dee@example.com>","user":{"display_name":"Dee D","nickname":"dee"}}},
			{"hash":"n2","message":"newer","date":"2024-03-04T00:00:00Z","author":{"raw":"Eve <eve@example.com>"}},
			{"hash":"o1","message":"old","date":"2024-02-01T00:00:00Z","author":{"raw":"Old <old@example.com>"}}
		],"next":"%s/next"}`, "http://"+r.Host)
	}))
	defer server.Close()

	src := newTestCommitSource(5)
	src.bitbucketAPIURL = server.URL

	commits, err := src.FetchCommits(context.Background(), CommitQuery{
		RepositoryURL: "https://bitbucket.org/team/repo",
		Branch:        "main",
		Token:         "bb",
		Since:         time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("FetchCommits() error = %v", err)
	}
	if gotAuth != "Bearer bb" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}
	if commits[0].AuthorName != "Dee D" || commits[0].AuthorLogin != "dee" {
		t.Errorf("unexpected first commit: %+v", commits[0])
	}
	if commits[1].AuthorName != "Eve" || commits[1].AuthorEmail != "eve@example.com" {
		t.Errorf("unexpected second commit: %+v", commits[1])
	}
}

func TestHTTPCommitSource_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		remaining string
		kind      SourceErrorKind
		code      string
	}{
		{"unauthorized", http.StatusUnauthorized, "", SourceUnauthorized, CodeTokenInvalid},
		{"forbidden", http.StatusForbidden, "10", SourceUnauthorized, CodeTokenInvalid},
		{"forbidden rate limit", http.StatusForbidden, "0", SourceRateLimited, CodeRateLimited},
		{"too many requests", http.StatusTooManyRequests, "", SourceRateLimited, CodeRateLimited},
		{"not found", http.StatusNotFound, "", SourceNotFound, CodeRepoNotFound},
		{"server error", http.StatusBadGateway, "", SourceUnavailable, CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.remaining != "" {
					w.Header().Set("X-RateLimit-Remaining", tt.remaining)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"message":"nope"}`)
			}))
			defer server.Close()

			_, err := newTestCommitSource(1).FetchCommits(context.Background(), CommitQuery{
				RepositoryURL: server.URL + "/acme/widgets",
				Provider:      models.ProviderGitHub,
				Since:         time.Now(),
			})

			var srcErr *SourceError
			if !errors.As(err, &srcErr) {
				t.Fatalf("expected SourceError, got %v", err)
			}
			if srcErr.Kind != tt.kind || srcErr.StatusCode != tt.status {
				t.Errorf("got kind=%s status=%d", srcErr.Kind, srcErr.StatusCode)
			}
			if got := ErrorCode(err); got != tt.code {
				t.Errorf("ErrorCode() = %q, expected %q", got, tt.code)
			}
		})
	}
}

func TestHTTPCommitSource_InvalidURL(t *testing.T) {
	_, err := newTestCommitSource(1).FetchCommits(context.Background(), CommitQuery{RepositoryURL: "not-a-url"})
	if !errors.Is(err, ErrRepositoryNotFound) {
		t.Errorf("expected ErrRepositoryNotFound, got %v", err)
	}
}

func TestSplitRawAuthor(t *testing.T) {
	tests := []struct {
		raw, name, email string
	}{
		{"Ann Lee <ann@example.com>", "Ann Lee", "ann@example.com"},
		{"just-a-name", "just-a-name", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		name, email := splitRawAuthor(tt.raw)
		if name != tt.name || email != tt.email {
			t.Errorf("splitRawAuthor(%q) = %q, %q", tt.raw, name, email)
		}
	}
}
