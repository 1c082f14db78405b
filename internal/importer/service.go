package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/inkwell-cms/inkwell/backend/internal/content"
	"github.com/inkwell-cms/inkwell/backend/internal/githost"
	"github.com/inkwell-cms/inkwell/backend/internal/schema"
	"github.com/inkwell-cms/inkwell/backend/internal/store"
)

const (
	defaultContentRoot = "src/content"
	defaultConcurrency = 8
	defaultRunTimeout  = 5 * time.Minute
)

// configPaths are probed in order for the content configuration file.
var configPaths = []string{"src/content/config.ts", "src/content.config.ts"}

var (
	errMissingStore = errors.New("store mapper is required")
	errMissingHost  = errors.New("source host client is required")
	noOpLogger      = zap.NewNop()
)

// ServiceError wraps import failures with a stable operation code.
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
	opServiceNew  = "importer.service.new"
	opImportAll   = "importer.import_all"
	opImportFiles = "importer.import_files"
	opDeleteFiles = "importer.delete_files"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ProgressStage labels ordered progress events of an import run.
type ProgressStage string

const (
	StageConfigParsed ProgressStage = "config-parsed"
	StageFilesListed  ProgressStage = "files-listed"
	StageProcessed    ProgressStage = "processed"
	StageSaving       ProgressStage = "saving"
	StageComplete     ProgressStage = "complete"
)

// ProgressEvent reports incremental import progress to an optional sink.
type ProgressEvent struct {
	Stage     ProgressStage `json:"stage"`
	Processed int           `json:"processed,omitempty"`
	Total     int           `json:"total,omitempty"`
}

// FileError records why one file failed without aborting the batch.
type FileError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ImportSummary is the final report of an import or reconciliation run.
// RunID correlates the summary with the run's log lines.
type ImportSummary struct {
	RunID    string      `json:"run_id,omitempty"`
	Imported int         `json:"imported"`
	Total    int         `json:"total"`
	Errors   []FileError `json:"errors"`
}

// Options tunes one import run.
type Options struct {
	// Ref pins fetches to a branch or commit; empty uses the host default.
	Ref string
	// Host overrides the service's client, used by webhook reconciliation
	// to fetch with a per-installation credential.
	Host githost.Client
	// Progress receives ordered progress events when non-nil.
	Progress func(ProgressEvent)
}

// ServiceConfig bundles the dependencies for the import pipeline.
type ServiceConfig struct {
	Store       *store.Mapper
	Host        githost.Client
	Logger      *zap.Logger
	Clock       func() time.Time
	ContentRoot string
	// Concurrency caps simultaneous in-flight file fetches so a large
	// import cannot trip host-side rate limiting.
	Concurrency int64
	// Timeout bounds a whole run; accumulated successes still persist when
	// it expires.
	Timeout time.Duration
}

// Service is the bulk import pipeline and the single-file reconciliation
// entrypoints the webhook handler reuses.
type Service struct {
	store       *store.Mapper
	host        githost.Client
	logger      *zap.Logger
	clock       func() time.Time
	contentRoot string
	concurrency int64
	timeout     time.Duration
}

// NewService constructs the import pipeline.
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
	contentRoot := cfg.ContentRoot
	if contentRoot == "" {
		contentRoot = defaultContentRoot
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}

	return &Service{
		store:       cfg.Store,
		host:        cfg.Host,
		logger:      logger,
		clock:       clock,
		contentRoot: contentRoot,
		concurrency: concurrency,
		timeout:     timeout,
	}, nil
}

// resolveRef pins an unspecified ref to the repository's default branch so
// every fetch of the run reads the same line of history. A failed lookup
// falls back to the host's implicit default.
func (s *Service) resolveRef(ctx context.Context, repo githost.RepoRef, opts Options) Options {
	if opts.Ref != "" {
		return opts
	}
	branch, err := s.hostFor(opts).DefaultBranch(ctx, repo)
	if err != nil {
		s.logger.Warn("default branch lookup failed",
			zap.String("repo", repo.String()),
			zap.Error(err))
		return opts
	}
	opts.Ref = branch
	return opts
}

// ExtractSchemas fetches the content configuration file and extracts its
// collection schemas. It never fails: an unreachable or absent configuration
// yields the built-in default schema.
func (s *Service) ExtractSchemas(ctx context.Context, repo githost.RepoRef, opts Options) []schema.CollectionSchema {
	host := s.hostFor(opts)
	for _, path := range configPaths {
		file, err := host.GetFile(ctx, repo, path, opts.Ref)
		if err == nil {
			return schema.Extract(file.Content)
		}
		if !errors.Is(err, githost.ErrNotFound) {
			s.logger.Warn("config fetch failed, continuing with fallback",
				zap.String("repo", repo.String()),
				zap.String("path", path),
				zap.Error(err))
		}
	}
	return schema.Extract("")
}

// ImportAll mirrors every content file of the repository into the owner's
// cache partition. A single file's failure never aborts the batch; only an
// enumeration failure at the content root is fatal.
func (s *Service) ImportAll(ctx context.Context, ownerID string, repo githost.RepoRef, opts Options) (ImportSummary, error) {
	runID := uuid.NewString()
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts = s.resolveRef(runCtx, repo, opts)
	schemas := s.ExtractSchemas(runCtx, repo, opts)
	emit(opts, ProgressEvent{Stage: StageConfigParsed})

	paths, err := githost.EnumerateContentFiles(runCtx, s.hostFor(opts), repo, s.contentRoot, opts.Ref, s.logger)
	if err != nil {
		s.logError(opImportAll, "enumeration_failed", err, zap.String("repo", repo.String()))
		return ImportSummary{}, newServiceError(opImportAll, "enumeration_failed", err)
	}
	emit(opts, ProgressEvent{Stage: StageFilesListed, Total: len(paths)})

	if len(paths) == 0 {
		emit(opts, ProgressEvent{Stage: StageComplete, Total: 0})
		return ImportSummary{RunID: runID, Errors: []FileError{}}, nil
	}

	posts, fileErrors := s.processFiles(runCtx, ownerID, repo, paths, schemas, opts)

	// Persistence runs even when the run deadline expired mid-fetch so that
	// accumulated partial success is not discarded.
	saveCtx := context.WithoutCancel(ctx)
	emit(opts, ProgressEvent{Stage: StageSaving, Processed: len(posts), Total: len(paths)})

	if err := s.store.BulkUpsertPosts(saveCtx, posts); err != nil {
		s.logError(opImportAll, "bulk_upsert_failed", err, zap.String("repo", repo.String()))
		return ImportSummary{}, newServiceError(opImportAll, "bulk_upsert_failed", err)
	}
	if err := s.persistSchemas(saveCtx, ownerID, repo, schemas); err != nil {
		return ImportSummary{}, err
	}
	if err := s.persistProject(saveCtx, ownerID, repo, len(posts)); err != nil {
		return ImportSummary{}, err
	}

	emit(opts, ProgressEvent{Stage: StageComplete, Processed: len(posts), Total: len(paths)})
	s.logger.Info("import completed",
		zap.String("run_id", runID),
		zap.String("repo", repo.String()),
		zap.Int("imported", len(posts)),
		zap.Int("total", len(paths)),
		zap.Int("failed", len(fileErrors)))

	return ImportSummary{RunID: runID, Imported: len(posts), Total: len(paths), Errors: fileErrors}, nil
}

// ImportFiles re-runs the per-file import logic for exactly the given paths.
// It is the reconciliation entrypoint used when a push notification names
// the changed files.
func (s *Service) ImportFiles(ctx context.Context, ownerID string, repo githost.RepoRef, paths []string, opts Options) (ImportSummary, error) {
	runID := uuid.NewString()
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	contentPaths := make([]string, 0, len(paths))
	for _, path := range paths {
		if githost.IsContentFile(path) {
			contentPaths = append(contentPaths, path)
		}
	}
	if len(contentPaths) == 0 {
		return ImportSummary{RunID: runID, Errors: []FileError{}}, nil
	}

	opts = s.resolveRef(runCtx, repo, opts)
	schemas := s.ExtractSchemas(runCtx, repo, opts)
	posts, fileErrors := s.processFiles(runCtx, ownerID, repo, contentPaths, schemas, opts)

	saveCtx := context.WithoutCancel(ctx)
	if err := s.store.BulkUpsertPosts(saveCtx, posts); err != nil {
		s.logError(opImportFiles, "bulk_upsert_failed", err, zap.String("repo", repo.String()))
		return ImportSummary{}, newServiceError(opImportFiles, "bulk_upsert_failed", err)
	}
	if err := s.persistSchemas(saveCtx, ownerID, repo, schemas); err != nil {
		return ImportSummary{}, err
	}
	if err := s.refreshProjectCount(saveCtx, ownerID, repo); err != nil {
		return ImportSummary{}, err
	}

	return ImportSummary{RunID: runID, Imported: len(posts), Total: len(contentPaths), Errors: fileErrors}, nil
}

// DeleteFiles removes the cache documents backing files deleted from the
// source repository.
func (s *Service) DeleteFiles(ctx context.Context, ownerID string, repo githost.RepoRef, paths []string) (int64, error) {
	deleted, err := s.store.DeletePostsByPath(ctx, ownerID, repo.String(), paths)
	if err != nil {
		s.logError(opDeleteFiles, "delete_failed", err, zap.String("repo", repo.String()))
		return 0, newServiceError(opDeleteFiles, "delete_failed", err)
	}
	if deleted > 0 {
		if err := s.refreshProjectCount(context.WithoutCancel(ctx), ownerID, repo); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// processFiles fans out per-file fetch, split, and validation, bounded by a
// counting semaphore. Each file's failure is recorded and isolated.
func (s *Service) processFiles(ctx context.Context, ownerID string, repo githost.RepoRef, paths []string, schemas []schema.CollectionSchema, opts Options) ([]store.Post, []FileError) {
	host := s.hostFor(opts)
	limiter := semaphore.NewWeighted(s.concurrency)

	var (
		mu         sync.Mutex
		waitGroup  sync.WaitGroup
		posts      = make([]store.Post, 0, len(paths))
		fileErrors = make([]FileError, 0)
		processed  int
	)

	for _, path := range paths {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()

			if err := limiter.Acquire(ctx, 1); err != nil {
				mu.Lock()
				fileErrors = append(fileErrors, FileError{Path: path, Reason: fmt.Sprintf("run cancelled: %v", err)})
				mu.Unlock()
				return
			}
			defer limiter.Release(1)

			post, fileErr := s.processFile(ctx, host, ownerID, repo, path, opts.Ref, schemas)

			mu.Lock()
			processed++
			if fileErr != nil {
				fileErrors = append(fileErrors, *fileErr)
			} else {
				posts = append(posts, post)
			}
			// Emitting under the lock keeps processed counts monotonic at
			// the sink.
			emit(opts, ProgressEvent{Stage: StageProcessed, Processed: processed, Total: len(paths)})
			mu.Unlock()
		}()
	}
	waitGroup.Wait()

	sort.Slice(posts, func(i, j int) bool { return posts[i].FilePath < posts[j].FilePath })
	sort.Slice(fileErrors, func(i, j int) bool { return fileErrors[i].Path < fileErrors[j].Path })
	return posts, fileErrors
}

func (s *Service) processFile(ctx context.Context, host githost.Client, ownerID string, repo githost.RepoRef, path, ref string, schemas []schema.CollectionSchema) (store.Post, *FileError) {
	file, err := host.GetFile(ctx, repo, path, ref)
	if err != nil {
		return store.Post{}, &FileError{Path: path, Reason: fmt.Sprintf("fetch failed: %v", err)}
	}

	metadata, body, err := content.SplitFrontMatter(file.Content)
	if err != nil {
		return store.Post{}, &FileError{Path: path, Reason: err.Error()}
	}

	collection := content.CollectionFromPath(path, schemas)
	validation := ValidateMetadata(metadata, collection)
	if validation.Rejected {
		return store.Post{}, &FileError{Path: path, Reason: strings.Join(validation.Errors, "; ")}
	}
	if len(validation.Errors) > 0 {
		s.logger.Warn("metadata fields dropped",
			zap.String("repo", repo.String()),
			zap.String("path", path),
			zap.Strings("problems", validation.Errors))
	}

	metadataJSON, err := json.Marshal(validation.Fields)
	if err != nil {
		return store.Post{}, &FileError{Path: path, Reason: fmt.Sprintf("metadata encoding failed: %v", err)}
	}

	now := s.clock().UTC().Unix()
	return store.Post{
		Kind:                    store.KindPost,
		OwnerID:                 ownerID,
		RepoID:                  repo.String(),
		FilePath:                path,
		CollectionName:          collection.Name,
		SourceRevision:          file.Revision,
		MetadataJSON:            string(metadataJSON),
		Body:                    body,
		Status:                  store.SyncStatusSynced,
		LastSourceSyncAtSeconds: now,
	}, nil
}

func (s *Service) persistSchemas(ctx context.Context, ownerID string, repo githost.RepoRef, schemas []schema.CollectionSchema) error {
	for _, collection := range schemas {
		fieldsJSON, err := json.Marshal(collection.Fields)
		if err != nil {
			return newServiceError(opImportAll, "schema_encoding_failed", err)
		}
		doc := store.SchemaDoc{
			OwnerID:        ownerID,
			RepoID:         repo.String(),
			CollectionName: collection.Name,
			FieldsJSON:     string(fieldsJSON),
		}
		if err := s.store.UpsertSchema(ctx, doc); err != nil {
			s.logError(opImportAll, "schema_upsert_failed", err, zap.String("collection", collection.Name))
			return newServiceError(opImportAll, "schema_upsert_failed", err)
		}
	}
	return nil
}

func (s *Service) persistProject(ctx context.Context, ownerID string, repo githost.RepoRef, postsCount int) error {
	project := store.Project{
		OwnerID:           ownerID,
		RepoID:            repo.String(),
		Name:              repo.Name,
		PostsCount:        postsCount,
		LastSyncAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.store.UpsertProject(ctx, project); err != nil {
		s.logError(opImportAll, "project_upsert_failed", err, zap.String("repo", repo.String()))
		return newServiceError(opImportAll, "project_upsert_failed", err)
	}
	return nil
}

// refreshProjectCount recomputes the aggregate from stored rows. A partial
// reconciliation must not clobber the full count with its subset size.
func (s *Service) refreshProjectCount(ctx context.Context, ownerID string, repo githost.RepoRef) error {
	count, err := s.store.CountPosts(ctx, ownerID, repo.String())
	if err != nil {
		return newServiceError(opImportFiles, "count_failed", err)
	}
	return s.persistProject(ctx, ownerID, repo, int(count))
}

func (s *Service) hostFor(opts Options) githost.Client {
	if opts.Host != nil {
		return opts.Host
	}
	return s.host
}

func emit(opts Options, event ProgressEvent) {
	if opts.Progress != nil {
		opts.Progress(event)
	}
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
	s.logger.Error("import pipeline error", attrs...)
}
