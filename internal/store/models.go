package store

// SyncStatus tracks how a cached document relates to its backing file.
type SyncStatus string

const (
	// SyncStatusDraft marks a document created locally with no backing file yet.
	SyncStatusDraft SyncStatus = "draft"
	// SyncStatusModified marks a document edited locally since its last sync.
	SyncStatusModified SyncStatus = "modified"
	// SyncStatusSynced marks a document matching its backing file.
	SyncStatusSynced SyncStatus = "synced"
)

// KindPost is the document kind for synchronized content files.
const KindPost = "post"

// Post mirrors one content file from the source repository. The tuple
// (kind, owner_id, repo_id, file_path) is the natural key every import and
// reconciliation upserts on.
type Post struct {
	ID                      uint       `gorm:"column:id;primaryKey;autoIncrement"`
	Kind                    string     `gorm:"column:kind;size:32;not null;default:post;uniqueIndex:idx_posts_natural,priority:1"`
	OwnerID                 string     `gorm:"column:owner_id;size:190;not null;uniqueIndex:idx_posts_natural,priority:2"`
	RepoID                  string     `gorm:"column:repo_id;size:190;not null;uniqueIndex:idx_posts_natural,priority:3"`
	FilePath                string     `gorm:"column:file_path;size:512;not null;uniqueIndex:idx_posts_natural,priority:4"`
	CollectionName          string     `gorm:"column:collection_name;size:190;not null"`
	SourceRevision          string     `gorm:"column:source_revision;size:64;not null;default:''"`
	MetadataJSON            string     `gorm:"column:metadata_json;type:text;not null;default:''"`
	Body                    string     `gorm:"column:body;type:text;not null;default:''"`
	Status                  SyncStatus `gorm:"column:status;size:16;not null;default:synced"`
	CreatedAtSeconds        int64      `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds        int64      `gorm:"column:updated_at_s;not null"`
	LastSourceSyncAtSeconds int64      `gorm:"column:last_source_sync_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}

// SchemaDoc stores the last-extracted field set for one collection. It is
// overwritten wholesale on every import run; there is no field-level merge.
type SchemaDoc struct {
	OwnerID          string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	RepoID           string `gorm:"column:repo_id;primaryKey;size:190;not null"`
	CollectionName   string `gorm:"column:collection_name;primaryKey;size:190;not null"`
	FieldsJSON       string `gorm:"column:fields_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SchemaDoc) TableName() string {
	return "collection_schemas"
}

// Project tracks aggregate state for one (owner, repo) pair.
type Project struct {
	OwnerID           string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	RepoID            string `gorm:"column:repo_id;primaryKey;size:190;not null"`
	Name              string `gorm:"column:name;size:190;not null;default:''"`
	Description       string `gorm:"column:description;type:text;not null;default:''"`
	PostsCount        int    `gorm:"column:posts_count;not null;default:0"`
	LastSyncAtSeconds int64  `gorm:"column:last_sync_at_s;not null;default:0"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds  int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// SharedProjectRef lets a second owner's partition redirect to the true
// owner's documents for one repository. This is the only cross-partition
// relationship in the model.
type SharedProjectRef struct {
	OwnerID          string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	RepoID           string `gorm:"column:repo_id;primaryKey;size:190;not null"`
	TargetOwnerID    string `gorm:"column:target_owner_id;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SharedProjectRef) TableName() string {
	return "shared_project_refs"
}

// InstallationLink maps a repository owner's external identity to the cache
// owner and the credential usable for reconciliation fetches.
type InstallationLink struct {
	ExternalOwnerID  string `gorm:"column:external_owner_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null"`
	InstallationID   int64  `gorm:"column:installation_id;not null;default:0"`
	AccessToken      string `gorm:"column:access_token;size:255;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (InstallationLink) TableName() string {
	return "installation_links"
}
