package githost

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates that the requested path does not exist in the
	// source repository.
	ErrNotFound = errors.New("githost: path not found")
	// ErrRevisionConflict indicates a conditional write was rejected because
	// the file changed since the supplied revision was read.
	ErrRevisionConflict = errors.New("githost: revision conflict")
	// ErrPermissionDenied indicates the configured credential lacks write
	// access to the repository.
	ErrPermissionDenied = errors.New("githost: permission denied")
	// ErrInvalidRepoRef indicates an owner/name pair failed validation.
	ErrInvalidRepoRef = errors.New("githost: invalid repository reference")
)

// RepoRef identifies one repository at the source host.
type RepoRef struct {
	Owner string
	Name  string
}

// NewRepoRef validates an owner/name pair.
func NewRepoRef(owner, name string) (RepoRef, error) {
	owner = strings.TrimSpace(owner)
	name = strings.TrimSpace(name)
	if owner == "" || name == "" {
		return RepoRef{}, fmt.Errorf("%w: %q/%q", ErrInvalidRepoRef, owner, name)
	}
	return RepoRef{Owner: owner, Name: name}, nil
}

// String renders the canonical owner/name form used as a repository id.
func (r RepoRef) String() string {
	return r.Owner + "/" + r.Name
}

// EntryType distinguishes directory-listing entries.
type EntryType string

const (
	EntryTypeFile EntryType = "file"
	EntryTypeDir  EntryType = "dir"
)

// Entry is one item of a directory listing.
type Entry struct {
	Path string
	Type EntryType
}

// File is the content and revision of one fetched repository file.
type File struct {
	Path     string
	Content  string
	Revision string
}

// PutResult reports the outcome of a successful conditional write.
type PutResult struct {
	Revision string
	CommitID string
}

// Client is the capability surface this engine needs from the source
// repository host. PutFile is a conditional write: when expectedRevision is
// non-empty and stale the host rejects the write with ErrRevisionConflict.
type Client interface {
	ListDirectory(ctx context.Context, repo RepoRef, path, ref string) ([]Entry, error)
	GetFile(ctx context.Context, repo RepoRef, path, ref string) (File, error)
	PutFile(ctx context.Context, repo RepoRef, path, content, message, expectedRevision string) (PutResult, error)
	DeleteFile(ctx context.Context, repo RepoRef, path, revision, message string) error
	DefaultBranch(ctx context.Context, repo RepoRef) (string, error)
}
