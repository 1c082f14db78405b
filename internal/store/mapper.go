package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingOwnerID  = errors.New("owner identifier is required")
	errMissingRepoID   = errors.New("repository identifier is required")
	noOpLogger         = zap.NewNop()

	// ErrNotFound indicates the addressed document does not exist in any
	// partition visible to the caller.
	ErrNotFound = errors.New("store: not found")
)

// MapperError wraps storage failures with a stable operation code.
type MapperError struct {
	code string
	err  error
}

func (e *MapperError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *MapperError) Unwrap() error {
	return e.err
}

// Code returns the stable error code for the failed operation.
func (e *MapperError) Code() string {
	return e.code
}

const (
	opMapperNew        = "store.mapper.new"
	opUpsertPost       = "store.upsert_post"
	opBulkUpsertPosts  = "store.bulk_upsert_posts"
	opUpsertSchema     = "store.upsert_schema"
	opUpsertProject    = "store.upsert_project"
	opDeletePosts      = "store.delete_posts"
	opGetPost          = "store.get_post"
	opListPosts        = "store.list_posts"
	opResolvePartition = "store.resolve_partition"
	opInstallLink      = "store.installation_link"
)

func newMapperError(operation, reason string, cause error) error {
	return &MapperError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// postAssignColumns are the mutable fields overwritten on every upsert.
// Identity columns and created_at_s are written only on first insert.
var postAssignColumns = []string{
	"collection_name",
	"source_revision",
	"metadata_json",
	"body",
	"status",
	"updated_at_s",
	"last_source_sync_at_s",
}

// MapperConfig bundles the dependencies for a Mapper.
type MapperConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Mapper is the addressing and upsert layer over the document cache. It
// carries no business rules: callers decide what a document should contain,
// the mapper decides only where it lives and which fields survive an upsert.
type Mapper struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewMapper constructs a Mapper over an injected database handle.
func NewMapper(cfg MapperConfig) (*Mapper, error) {
	if cfg.Database == nil {
		return nil, newMapperError(opMapperNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Mapper{db: cfg.Database, clock: clock, logger: logger}, nil
}

func naturalKeyConflict() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{
			{Name: "kind"}, {Name: "owner_id"}, {Name: "repo_id"}, {Name: "file_path"},
		},
		DoUpdates: clause.AssignmentColumns(postAssignColumns),
	}
}

// UpsertPost writes one document by natural key. CreatedAtSeconds is set only
// when the row is first inserted; mutable fields are overwritten every call.
func (m *Mapper) UpsertPost(ctx context.Context, post Post) error {
	if err := m.preparePost(&post); err != nil {
		return err
	}
	if err := m.db.WithContext(ctx).Clauses(naturalKeyConflict()).Create(&post).Error; err != nil {
		m.logError(opUpsertPost, "write_failed", err, zap.String("file_path", post.FilePath))
		return newMapperError(opUpsertPost, "write_failed", err)
	}
	return nil
}

// BulkUpsertPosts writes many documents in one transaction so that a reader
// never observes a partially applied import batch.
func (m *Mapper) BulkUpsertPosts(ctx context.Context, posts []Post) error {
	if len(posts) == 0 {
		return nil
	}
	for i := range posts {
		if err := m.preparePost(&posts[i]); err != nil {
			return err
		}
	}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(naturalKeyConflict()).CreateInBatches(posts, 100).Error
	})
	if err != nil {
		m.logError(opBulkUpsertPosts, "write_failed", err, zap.Int("count", len(posts)))
		return newMapperError(opBulkUpsertPosts, "write_failed", err)
	}
	return nil
}

func (m *Mapper) preparePost(post *Post) error {
	if post.OwnerID == "" {
		return newMapperError(opUpsertPost, "missing_owner_id", errMissingOwnerID)
	}
	if post.RepoID == "" {
		return newMapperError(opUpsertPost, "missing_repo_id", errMissingRepoID)
	}
	now := m.clock().UTC().Unix()
	if post.Kind == "" {
		post.Kind = KindPost
	}
	if post.Status == "" {
		post.Status = SyncStatusSynced
	}
	if post.CreatedAtSeconds == 0 {
		post.CreatedAtSeconds = now
	}
	post.UpdatedAtSeconds = now
	return nil
}

// UpsertSchema overwrites the stored field set for one collection.
func (m *Mapper) UpsertSchema(ctx context.Context, doc SchemaDoc) error {
	now := m.clock().UTC().Unix()
	if doc.CreatedAtSeconds == 0 {
		doc.CreatedAtSeconds = now
	}
	doc.UpdatedAtSeconds = now
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "owner_id"}, {Name: "repo_id"}, {Name: "collection_name"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"fields_json", "updated_at_s"}),
	}).Create(&doc).Error
	if err != nil {
		m.logError(opUpsertSchema, "write_failed", err, zap.String("collection", doc.CollectionName))
		return newMapperError(opUpsertSchema, "write_failed", err)
	}
	return nil
}

// UpsertProject writes the aggregate project summary for one repository.
// Description is set only on first insert; sync runs never carry one and
// must not clear a stored value.
func (m *Mapper) UpsertProject(ctx context.Context, project Project) error {
	now := m.clock().UTC().Unix()
	if project.CreatedAtSeconds == 0 {
		project.CreatedAtSeconds = now
	}
	project.UpdatedAtSeconds = now
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "repo_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "posts_count", "last_sync_at_s", "updated_at_s",
		}),
	}).Create(&project).Error
	if err != nil {
		m.logError(opUpsertProject, "write_failed", err, zap.String("repo_id", project.RepoID))
		return newMapperError(opUpsertProject, "write_failed", err)
	}
	return nil
}

// DeletePostsByPath removes documents by natural key and returns how many
// rows were deleted.
func (m *Mapper) DeletePostsByPath(ctx context.Context, ownerID, repoID string, paths []string) (int64, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	result := m.db.WithContext(ctx).
		Where("kind = ? AND owner_id = ? AND repo_id = ? AND file_path IN ?", KindPost, ownerID, repoID, paths).
		Delete(&Post{})
	if result.Error != nil {
		m.logError(opDeletePosts, "delete_failed", result.Error, zap.String("repo_id", repoID))
		return 0, newMapperError(opDeletePosts, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// GetPost loads one document by natural key.
func (m *Mapper) GetPost(ctx context.Context, ownerID, repoID, filePath string) (Post, error) {
	var post Post
	err := m.db.WithContext(ctx).
		Where("kind = ? AND owner_id = ? AND repo_id = ? AND file_path = ?", KindPost, ownerID, repoID, filePath).
		Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		m.logError(opGetPost, "query_failed", err, zap.String("file_path", filePath))
		return Post{}, newMapperError(opGetPost, "query_failed", err)
	}
	return post, nil
}

// ListPosts returns every document in the owner's partition for one repo.
func (m *Mapper) ListPosts(ctx context.Context, ownerID, repoID string) ([]Post, error) {
	var posts []Post
	err := m.db.WithContext(ctx).
		Where("kind = ? AND owner_id = ? AND repo_id = ?", KindPost, ownerID, repoID).
		Order("file_path ASC").
		Find(&posts).Error
	if err != nil {
		m.logError(opListPosts, "query_failed", err, zap.String("repo_id", repoID))
		return nil, newMapperError(opListPosts, "query_failed", err)
	}
	return posts, nil
}

// CountPosts reports how many documents the owner's partition holds for one
// repo.
func (m *Mapper) CountPosts(ctx context.Context, ownerID, repoID string) (int64, error) {
	var count int64
	err := m.db.WithContext(ctx).Model(&Post{}).
		Where("kind = ? AND owner_id = ? AND repo_id = ?", KindPost, ownerID, repoID).
		Count(&count).Error
	if err != nil {
		m.logError(opListPosts, "count_failed", err, zap.String("repo_id", repoID))
		return 0, newMapperError(opListPosts, "count_failed", err)
	}
	return count, nil
}

// ResolveOwnerPartition maps a caller to the partition holding a repository's
// documents: the caller's own partition when they own a project for the repo,
// the referenced owner's partition when they hold a shared-project reference,
// and ErrNotFound otherwise.
func (m *Mapper) ResolveOwnerPartition(ctx context.Context, callerID, repoID string) (string, error) {
	if callerID == "" {
		return "", newMapperError(opResolvePartition, "missing_owner_id", errMissingOwnerID)
	}
	if repoID == "" {
		return "", newMapperError(opResolvePartition, "missing_repo_id", errMissingRepoID)
	}

	var project Project
	err := m.db.WithContext(ctx).
		Where("owner_id = ? AND repo_id = ?", callerID, repoID).
		Take(&project).Error
	if err == nil {
		return callerID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		m.logError(opResolvePartition, "project_query_failed", err, zap.String("repo_id", repoID))
		return "", newMapperError(opResolvePartition, "project_query_failed", err)
	}

	var ref SharedProjectRef
	err = m.db.WithContext(ctx).
		Where("owner_id = ? AND repo_id = ?", callerID, repoID).
		Take(&ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		m.logError(opResolvePartition, "ref_query_failed", err, zap.String("repo_id", repoID))
		return "", newMapperError(opResolvePartition, "ref_query_failed", err)
	}
	return ref.TargetOwnerID, nil
}

// UpdatePostAfterSave records the new revision of a document once a
// conditional write to the source repository succeeded.
func (m *Mapper) UpdatePostAfterSave(ctx context.Context, ownerID, repoID, filePath, body, revision string) error {
	now := m.clock().UTC().Unix()
	result := m.db.WithContext(ctx).Model(&Post{}).
		Where("kind = ? AND owner_id = ? AND repo_id = ? AND file_path = ?", KindPost, ownerID, repoID, filePath).
		Updates(map[string]any{
			"body":                  body,
			"source_revision":       revision,
			"status":                SyncStatusSynced,
			"updated_at_s":          now,
			"last_source_sync_at_s": now,
		})
	if result.Error != nil {
		m.logError(opUpsertPost, "revision_update_failed", result.Error, zap.String("file_path", filePath))
		return newMapperError(opUpsertPost, "revision_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertInstallationLink records the mapping from a repository owner's
// external identity to a cache owner and reconciliation credential.
func (m *Mapper) UpsertInstallationLink(ctx context.Context, link InstallationLink) error {
	now := m.clock().UTC().Unix()
	if link.CreatedAtSeconds == 0 {
		link.CreatedAtSeconds = now
	}
	link.UpdatedAtSeconds = now
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "external_owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"owner_id", "installation_id", "access_token", "updated_at_s",
		}),
	}).Create(&link).Error
	if err != nil {
		m.logError(opInstallLink, "write_failed", err, zap.String("external_owner_id", link.ExternalOwnerID))
		return newMapperError(opInstallLink, "write_failed", err)
	}
	return nil
}

// GetInstallationLink looks up the owner mapping for an external identity.
// The second return value reports whether a mapping exists.
func (m *Mapper) GetInstallationLink(ctx context.Context, externalOwnerID string) (InstallationLink, bool, error) {
	var link InstallationLink
	err := m.db.WithContext(ctx).
		Where("external_owner_id = ?", externalOwnerID).
		Take(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return InstallationLink{}, false, nil
	}
	if err != nil {
		m.logError(opInstallLink, "query_failed", err, zap.String("external_owner_id", externalOwnerID))
		return InstallationLink{}, false, newMapperError(opInstallLink, "query_failed", err)
	}
	return link, true, nil
}

func (m *Mapper) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("store mapper error", attrs...)
}
