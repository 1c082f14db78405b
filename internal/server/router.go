package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/inkwell-cms/inkwell/backend/internal/editor"
	"github.com/inkwell-cms/inkwell/backend/internal/githost"
	"github.com/inkwell-cms/inkwell/backend/internal/importer"
	"github.com/inkwell-cms/inkwell/backend/internal/schema"
	"github.com/inkwell-cms/inkwell/backend/internal/store"
	"github.com/inkwell-cms/inkwell/backend/internal/webhook"
)

const ownerIDContextKey = "inkwell_owner_id"

var (
	errMissingWebhookHandler = errors.New("webhook handler dependency required")
	errMissingImporter       = errors.New("importer dependency required")
	errMissingEditor         = errors.New("editor dependency required")
	errMissingStore          = errors.New("store dependency required")
	errMissingTokenValidator = errors.New("token validator dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator validates a bearer token and returns the caller's owner id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the core services into the HTTP surface.
type Dependencies struct {
	Webhook  *webhook.Handler
	Importer *importer.Service
	Editor   *editor.Service
	Store    *store.Mapper
	Tokens   TokenValidator
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router over the provided dependencies.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Webhook == nil {
		return nil, errMissingWebhookHandler
	}
	if deps.Importer == nil {
		return nil, errMissingImporter
	}
	if deps.Editor == nil {
		return nil, errMissingEditor
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		webhookHandler: deps.Webhook,
		importerSvc:    deps.Importer,
		editorSvc:      deps.Editor,
		storeMapper:    deps.Store,
		tokens:         deps.Tokens,
		logger:         logger,
	}

	router.POST("/webhooks/githost", handler.handleWebhook)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/projects/import", handler.handleImport)
	protected.GET("/projects/:owner/:name/schemas", handler.handleSchemas)
	protected.POST("/posts/save", handler.handleSave)
	protected.DELETE("/posts", handler.handleDelete)

	return router, nil
}

type httpHandler struct {
	webhookHandler *webhook.Handler
	importerSvc    *importer.Service
	editorSvc      *editor.Service
	storeMapper    *store.Mapper
	tokens         TokenValidator
	logger         *zap.Logger
}

func (h *httpHandler) handleWebhook(c *gin.Context) {
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}

	headers := webhook.Headers{
		Signature: c.GetHeader("X-Hub-Signature-256"),
		Event:     c.GetHeader("X-GitHub-Event"),
		Delivery:  c.GetHeader("X-GitHub-Delivery"),
	}
	outcome := h.webhookHandler.Handle(c.Request.Context(), rawBody, headers)
	c.JSON(outcome.Status, gin.H{"result": outcome.Action})
}

type importRequestPayload struct {
	RepoOwner string `json:"repo_owner"`
	RepoName  string `json:"repo_name"`
	Ref       string `json:"ref"`
}

func (h *httpHandler) handleImport(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)

	var request importRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	repo, err := githost.NewRepoRef(request.RepoOwner, request.RepoName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_repository"})
		return
	}

	opts := importer.Options{Ref: request.Ref}
	if c.Query("stream") == "1" {
		h.streamImport(c, ownerID, repo, opts)
		return
	}

	summary, err := h.importerSvc.ImportAll(c.Request.Context(), ownerID, repo, opts)
	if err != nil {
		h.logger.Error("import failed", zap.String("repo", repo.String()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "import_failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// streamImport writes newline-delimited JSON progress events followed by the
// final summary.
func (h *httpHandler) streamImport(c *gin.Context, ownerID string, repo githost.RepoRef, opts importer.Options) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	encoder := json.NewEncoder(c.Writer)
	var mu sync.Mutex
	opts.Progress = func(event importer.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		if err := encoder.Encode(event); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	summary, err := h.importerSvc.ImportAll(c.Request.Context(), ownerID, repo, opts)
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		encoder.Encode(gin.H{"error": "import_failed"}) //nolint:errcheck
		return
	}
	encoder.Encode(summary) //nolint:errcheck
}

func (h *httpHandler) handleSchemas(c *gin.Context) {
	repo, err := githost.NewRepoRef(c.Param("owner"), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_repository"})
		return
	}

	schemas := h.importerSvc.ExtractSchemas(c.Request.Context(), repo, importer.Options{Ref: c.Query("ref")})
	c.JSON(http.StatusOK, schemasResponse(schemas))
}

type schemaFieldPayload struct {
	Type     string `json:"type"`
	Optional bool   `json:"optional"`
}

type schemaPayload struct {
	Name   string                        `json:"name"`
	Fields map[string]schemaFieldPayload `json:"fields"`
}

func schemasResponse(schemas []schema.CollectionSchema) []schemaPayload {
	response := make([]schemaPayload, 0, len(schemas))
	for _, collection := range schemas {
		fields := make(map[string]schemaFieldPayload, len(collection.Fields))
		for name, spec := range collection.Fields {
			fields[name] = schemaFieldPayload{Type: string(spec.Type), Optional: spec.Optional}
		}
		response = append(response, schemaPayload{Name: collection.Name, Fields: fields})
	}
	return response
}

type saveRequestPayload struct {
	RepoOwner        string `json:"repo_owner"`
	RepoName         string `json:"repo_name"`
	FilePath         string `json:"file_path"`
	ExpectedRevision string `json:"expected_revision"`
	Content          string `json:"content"`
}

func (h *httpHandler) handleSave(c *gin.Context) {
	callerID := c.GetString(ownerIDContextKey)

	var request saveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.FilePath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	repo, err := githost.NewRepoRef(request.RepoOwner, request.RepoName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_repository"})
		return
	}

	ownerID, err := h.storeMapper.ResolveOwnerPartition(c.Request.Context(), callerID, repo.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project_not_found"})
			return
		}
		h.logger.Error("partition resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolution_failed"})
		return
	}

	result, err := h.editorSvc.Save(c.Request.Context(), ownerID, repo, request.FilePath, request.ExpectedRevision, request.Content)
	switch {
	case errors.Is(err, editor.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "revision_conflict"})
		return
	case errors.Is(err, editor.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "write_permission_denied"})
		return
	case err != nil:
		h.logger.Error("save failed", zap.String("file_path", request.FilePath), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "save_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revision": result.NewRevision, "commit_id": result.CommitID})
}

type deleteRequestPayload struct {
	RepoOwner string `json:"repo_owner"`
	RepoName  string `json:"repo_name"`
	FilePath  string `json:"file_path"`
	Revision  string `json:"revision"`
	Cascade   bool   `json:"cascade"`
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	callerID := c.GetString(ownerIDContextKey)

	var request deleteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.FilePath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	repo, err := githost.NewRepoRef(request.RepoOwner, request.RepoName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_repository"})
		return
	}

	ownerID, err := h.storeMapper.ResolveOwnerPartition(c.Request.Context(), callerID, repo.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project_not_found"})
			return
		}
		h.logger.Error("partition resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolution_failed"})
		return
	}

	err = h.editorSvc.Delete(c.Request.Context(), ownerID, repo, request.FilePath, request.Revision, request.Cascade)
	switch {
	case errors.Is(err, editor.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "revision_conflict"})
		return
	case errors.Is(err, editor.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "write_permission_denied"})
		return
	case err != nil:
		h.logger.Error("delete failed", zap.String("file_path", request.FilePath), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "delete_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, subject)
	c.Next()
}
