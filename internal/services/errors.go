package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/zymantas-katinas/commit-digest/internal/services/schedule"
	"github.com/zymantas-katinas/commit-digest/internal/store"
)

var (
	ErrScheduleParse      = schedule.ErrScheduleParse
	ErrRunNotRunning      = store.ErrRunNotRunning
	ErrUsageLimitExceeded = errors.New("monthly report limit reached")
	ErrCredential         = errors.New("credential could not be decrypted")
	ErrPersistence        = errors.New("persistence failure")
	ErrSummarization      = errors.New("summary generation failed")
	ErrRepositoryNotFound = errors.New("repository not found")
	ErrConfigNotFound     = errors.New("report configuration not found")
	ErrRunInProgress      = errors.New("report configuration is already being processed")
)

// Run error codes stored on report_runs.error_code.
const (
	CodeTokenInvalid     = "TOKEN_INVALID"
	CodeRepoNotFound     = "REPO_NOT_FOUND"
	CodeRateLimited      = "RATE_LIMITED"
	CodeCredentialError  = "CREDENTIAL_ERROR"
	CodeGenerationFailed = "GENERATION_FAILED"
	CodePersistenceError = "PERSISTENCE_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodeInternalError    = "INTERNAL_ERROR"
)

type SourceErrorKind string

const (
	SourceUnauthorized SourceErrorKind = "unauthorized"
	SourceNotFound     SourceErrorKind = "not_found"
	SourceRateLimited  SourceErrorKind = "rate_limited"
	SourceUnavailable  SourceErrorKind = "unavailable"
)

// SourceError is returned by a CommitSource when the remote rejects a call.
type SourceError struct {
	Kind       SourceErrorKind
	StatusCode int
	Provider   string
	Err        error
}

func (e *SourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s commit source %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s commit source %s (status %d)", e.Provider, e.Kind, e.StatusCode)
}

func (e *SourceError) Unwrap() error { return e.Err }

// ErrorCode maps an error from the generation pipeline to a run error code.
func ErrorCode(err error) string {
	var srcErr *SourceError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.As(err, &srcErr):
		switch srcErr.Kind {
		case SourceUnauthorized:
			return CodeTokenInvalid
		case SourceNotFound:
			return CodeRepoNotFound
		case SourceRateLimited:
			return CodeRateLimited
		}
		return CodeInternalError
	case errors.Is(err, ErrRepositoryNotFound):
		return CodeRepoNotFound
	case errors.Is(err, ErrCredential):
		return CodeCredentialError
	case errors.Is(err, ErrSummarization):
		return CodeGenerationFailed
	case errors.Is(err, ErrPersistence):
		return CodePersistenceError
	}
	return CodeInternalError
}
