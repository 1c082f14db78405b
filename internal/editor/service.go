package editor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-cms/inkwell/backend/internal/githost"
	"github.com/inkwell-cms/inkwell/backend/internal/store"
)

var (
	errMissingStore = errors.New("store mapper is required")
	errMissingHost  = errors.New("source host client is required")
	noOpLogger      = zap.NewNop()

	// ErrConflict indicates the backing file changed since the caller last
	// read it. The caller must re-fetch before retrying; the service never
	// merges or retries on its own.
	ErrConflict = errors.New("editor: revision conflict")
	// ErrPermissionDenied indicates the configured credential cannot write
	// to the source repository.
	ErrPermissionDenied = errors.New("editor: write permission denied")
)

// ServiceError wraps save failures with a stable operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code for the failed operation.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "editor.service.new"
	opSave       = "editor.save"
	opDelete     = "editor.delete"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig bundles the dependencies for the editing write path.
type ServiceConfig struct {
	Store  *store.Mapper
	Host   githost.Client
	Logger *zap.Logger
	Clock  func() time.Time
}

// Service guards every write-back to the source repository with a
// last-known-revision check, the single mechanism preventing lost updates
// between the cache and the source of truth.
type Service struct {
	store  *store.Mapper
	host   githost.Client
	logger *zap.Logger
	clock  func() time.Time
}

// NewService constructs the editing write path.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Host == nil {
		return nil, newServiceError(opServiceNew, "missing_host", errMissingHost)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: cfg.Store, host: cfg.Host, logger: logger, clock: clock}, nil
}

// SaveResult reports a successful conditional write.
type SaveResult struct {
	NewRevision string
	CommitID    string
}

// Save writes new content back to the source repository conditioned on
// expectedRevision, then records the returned revision on the cached
// document and marks it synced. A stale expectedRevision yields ErrConflict
// and leaves both the source file and the cache untouched.
func (s *Service) Save(ctx context.Context, ownerID string, repo githost.RepoRef, filePath, expectedRevision, newContent string) (SaveResult, error) {
	message := fmt.Sprintf("Update %s", filePath)
	result, err := s.host.PutFile(ctx, repo, filePath, newContent, message, expectedRevision)
	if errors.Is(err, githost.ErrRevisionConflict) {
		s.logger.Info("conditional write rejected",
			zap.String("repo", repo.String()),
			zap.String("file_path", filePath))
		return SaveResult{}, fmt.Errorf("%w: %s", ErrConflict, filePath)
	}
	if errors.Is(err, githost.ErrPermissionDenied) {
		return SaveResult{}, fmt.Errorf("%w: %s", ErrPermissionDenied, repo.String())
	}
	if err != nil {
		s.logError(opSave, "put_failed", err, zap.String("file_path", filePath))
		return SaveResult{}, newServiceError(opSave, "put_failed", err)
	}

	if err := s.store.UpdatePostAfterSave(ctx, ownerID, repo.String(), filePath, newContent, result.Revision); err != nil {
		// The source write succeeded; a stale cache row self-heals on the
		// next reconciliation, so the caller still gets the new revision.
		s.logError(opSave, "cache_update_failed", err, zap.String("file_path", filePath))
	}
	return SaveResult{NewRevision: result.Revision, CommitID: result.CommitID}, nil
}

// Delete removes the cached document and, when cascade is set, the backing
// file in the source repository at the given revision.
func (s *Service) Delete(ctx context.Context, ownerID string, repo githost.RepoRef, filePath, revision string, cascade bool) error {
	if cascade {
		message := fmt.Sprintf("Delete %s", filePath)
		err := s.host.DeleteFile(ctx, repo, filePath, revision, message)
		if errors.Is(err, githost.ErrRevisionConflict) {
			return fmt.Errorf("%w: %s", ErrConflict, filePath)
		}
		if errors.Is(err, githost.ErrPermissionDenied) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, repo.String())
		}
		if err != nil && !errors.Is(err, githost.ErrNotFound) {
			s.logError(opDelete, "source_delete_failed", err, zap.String("file_path", filePath))
			return newServiceError(opDelete, "source_delete_failed", err)
		}
	}

	if _, err := s.store.DeletePostsByPath(ctx, ownerID, repo.String(), []string{filePath}); err != nil {
		s.logError(opDelete, "cache_delete_failed", err, zap.String("file_path", filePath))
		return newServiceError(opDelete, "cache_delete_failed", err)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("editor service error", attrs...)
}
