package integration_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/inkwell-cms/inkwell/backend/internal/auth"
	"github.com/inkwell-cms/inkwell/backend/internal/editor"
	"github.com/inkwell-cms/inkwell/backend/internal/githost"
	"github.com/inkwell-cms/inkwell/backend/internal/importer"
	"github.com/inkwell-cms/inkwell/backend/internal/server"
	"github.com/inkwell-cms/inkwell/backend/internal/store"
	"github.com/inkwell-cms/inkwell/backend/internal/webhook"
)

const (
	tokenSigningSecret = "integration-token-secret"
	webhookSecret      = "integration-webhook-secret"
	ownerUserID        = "owner-abc"
	repoOwnerLogin     = "octocat"
	repoName           = "site"
	postPath           = "src/content/blog/first.md"
	jsonContentType    = "application/json"
)

const collectionConfig = `import { defineCollection, z } from 'astro:content';

const blog = defineCollection({
  type: 'content',
  schema: z.object({
    title: z.string(),
    description: z.string().optional(),
  }),
});

export const collections = { blog };
`

// hostStub serves the slice of the contents API the backend talks to, with
// revision-checked writes.
type hostStub struct {
	mu       sync.Mutex
	revision string
	content  string
}

func (h *hostStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("/repos/%s/%s", repoOwnerLogin, repoName), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", jsonContentType)
		json.NewEncoder(w).Encode(map[string]string{"default_branch": "main"}) //nolint:errcheck
	})
	prefix := fmt.Sprintf("/repos/%s/%s/contents/", repoOwnerLogin, repoName)
	mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, prefix)
		switch r.Method {
		case http.MethodGet:
			h.serveGet(w, path)
		case http.MethodPut:
			h.servePut(w, r, path)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	return mux
}

func (h *hostStub) serveGet(w http.ResponseWriter, path string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	encode := func(v any) {
		w.Header().Set("Content-Type", jsonContentType)
		json.NewEncoder(w).Encode(v) //nolint:errcheck
	}
	switch path {
	case "src/content/config.ts":
		encode(map[string]string{
			"path":    path,
			"type":    "file",
			"content": base64.StdEncoding.EncodeToString([]byte(collectionConfig)),
			"sha":     "config-rev",
		})
	case "src/content":
		encode([]map[string]string{{"path": "src/content/blog", "type": "dir"}})
	case "src/content/blog":
		encode([]map[string]string{{"path": postPath, "type": "file"}})
	case postPath:
		encode(map[string]string{
			"path":    path,
			"type":    "file",
			"content": base64.StdEncoding.EncodeToString([]byte(h.content)),
			"sha":     h.revision,
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *hostStub) servePut(w http.ResponseWriter, r *http.Request, path string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if path != postPath {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var payload struct {
		Content string `json:"content"`
		SHA     string `json:"sha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if payload.SHA != h.revision {
		w.WriteHeader(http.StatusConflict)
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(payload.Content)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.content = string(decoded)
	h.revision = h.revision + "'"
	w.Header().Set("Content-Type", jsonContentType)
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"content": map[string]string{"sha": h.revision},
		"commit":  map[string]string{"sha": "commit-" + h.revision},
	})
}

func TestImportWebhookAndEditFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	stub := &hostStub{
		revision: "rev-1",
		content:  "---\ntitle: First post\ndescription: hello\n---\nOriginal body.\n",
	}
	hostServer := httptest.NewServer(stub.handler())
	defer hostServer.Close()

	db, err := gorm.Open(sqlite.Open("file:inkwell_integration?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&store.Post{}, &store.SchemaDoc{}, &store.Project{}, &store.SharedProjectRef{}, &store.InstallationLink{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	mapper, err := store.NewMapper(store.MapperConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build mapper: %v", err)
	}
	hostClient, err := githost.NewRESTClient(githost.RESTClientConfig{
		BaseURL: hostServer.URL,
		Token:   "stub-token",
	})
	if err != nil {
		testContext.Fatalf("failed to build host client: %v", err)
	}
	importerService, err := importer.NewService(importer.ServiceConfig{Store: mapper, Host: hostClient, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build importer: %v", err)
	}
	editorService, err := editor.NewService(editor.ServiceConfig{Store: mapper, Host: hostClient, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build editor: %v", err)
	}
	resolver, err := webhook.NewStoreResolver(mapper)
	if err != nil {
		testContext.Fatalf("failed to build resolver: %v", err)
	}
	webhookHandler, err := webhook.NewHandler(webhook.HandlerConfig{
		Secret:   []byte(webhookSecret),
		Resolver: resolver,
		Importer: importerService,
		HostFactory: func(token string) githost.Client {
			return hostClient.WithToken(token)
		},
		Logger: zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build webhook handler: %v", err)
	}
	tokenValidator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{SigningSecret: []byte(tokenSigningSecret)})
	if err != nil {
		testContext.Fatalf("failed to build token validator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Webhook:  webhookHandler,
		Importer: importerService,
		Editor:   editorService,
		Store:    mapper,
		Tokens:   tokenValidator,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	apiServer := httptest.NewServer(handler)
	defer apiServer.Close()

	bearer := mustMintToken(testContext, tokenSigningSecret, ownerUserID, time.Now())
	repoID := repoOwnerLogin + "/" + repoName

	// Full import over the wire.
	importBody, _ := json.Marshal(map[string]string{"repo_owner": repoOwnerLogin, "repo_name": repoName})
	importReq, _ := http.NewRequest(http.MethodPost, apiServer.URL+"/projects/import", bytes.NewReader(importBody))
	importReq.Header.Set("Authorization", "Bearer "+bearer)
	importReq.Header.Set("Content-Type", jsonContentType)

	importResp, err := http.DefaultClient.Do(importReq)
	if err != nil {
		testContext.Fatalf("import request failed: %v", err)
	}
	defer importResp.Body.Close()
	if importResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected import status: %d", importResp.StatusCode)
	}
	var summary importer.ImportSummary
	if err := json.NewDecoder(importResp.Body).Decode(&summary); err != nil {
		testContext.Fatalf("failed to decode summary: %v", err)
	}
	if summary.Imported != 1 || summary.Total != 1 || len(summary.Errors) != 0 {
		testContext.Fatalf("unexpected summary: %#v", summary)
	}

	imported, err := mapper.GetPost(importReq.Context(), ownerUserID, repoID, postPath)
	if err != nil {
		testContext.Fatalf("imported post missing: %v", err)
	}
	if imported.CollectionName != "blog" || imported.SourceRevision != "rev-1" {
		testContext.Fatalf("unexpected imported post: %#v", imported)
	}

	// Stale-revision save is rejected without touching the source.
	staleBody, _ := json.Marshal(map[string]string{
		"repo_owner":        repoOwnerLogin,
		"repo_name":         repoName,
		"file_path":         postPath,
		"expected_revision": "rev-0",
		"content":           "---\ntitle: Stale\n---\nShould not land.\n",
	})
	staleReq, _ := http.NewRequest(http.MethodPost, apiServer.URL+"/posts/save", bytes.NewReader(staleBody))
	staleReq.Header.Set("Authorization", "Bearer "+bearer)
	staleReq.Header.Set("Content-Type", jsonContentType)

	staleResp, err := http.DefaultClient.Do(staleReq)
	if err != nil {
		testContext.Fatalf("stale save request failed: %v", err)
	}
	defer staleResp.Body.Close()
	if staleResp.StatusCode != http.StatusConflict {
		testContext.Fatalf("expected 409 for stale revision, got %d", staleResp.StatusCode)
	}

	// Save at the current revision lands and advances the cached revision.
	saveBody, _ := json.Marshal(map[string]string{
		"repo_owner":        repoOwnerLogin,
		"repo_name":         repoName,
		"file_path":         postPath,
		"expected_revision": "rev-1",
		"content":           "---\ntitle: First post\n---\nEdited body.\n",
	})
	saveReq, _ := http.NewRequest(http.MethodPost, apiServer.URL+"/posts/save", bytes.NewReader(saveBody))
	saveReq.Header.Set("Authorization", "Bearer "+bearer)
	saveReq.Header.Set("Content-Type", jsonContentType)

	saveResp, err := http.DefaultClient.Do(saveReq)
	if err != nil {
		testContext.Fatalf("save request failed: %v", err)
	}
	defer saveResp.Body.Close()
	if saveResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected save status: %d", saveResp.StatusCode)
	}

	saved, err := mapper.GetPost(saveReq.Context(), ownerUserID, repoID, postPath)
	if err != nil {
		testContext.Fatalf("saved post missing: %v", err)
	}
	if saved.SourceRevision == "rev-1" {
		testContext.Fatalf("expected cached revision to advance, still %q", saved.SourceRevision)
	}

	// A signed push notification re-imports the changed file.
	if err := mapper.UpsertInstallationLink(saveReq.Context(), store.InstallationLink{
		ExternalOwnerID: repoOwnerLogin,
		OwnerID:         ownerUserID,
		AccessToken:     "stub-token",
	}); err != nil {
		testContext.Fatalf("failed to seed installation link: %v", err)
	}

	pushBody, _ := json.Marshal(map[string]any{
		"ref": "refs/heads/main",
		"repository": map[string]any{
			"name":           repoName,
			"default_branch": "main",
			"owner":          map[string]string{"login": repoOwnerLogin},
		},
		"commits": []map[string]any{{"modified": []string{postPath}}},
	})
	pushReq, _ := http.NewRequest(http.MethodPost, apiServer.URL+"/webhooks/githost", bytes.NewReader(pushBody))
	pushReq.Header.Set("X-Hub-Signature-256", signPayload(pushBody))
	pushReq.Header.Set("X-GitHub-Event", "push")
	pushReq.Header.Set("X-GitHub-Delivery", "delivery-1")

	pushResp, err := http.DefaultClient.Do(pushReq)
	if err != nil {
		testContext.Fatalf("push request failed: %v", err)
	}
	defer pushResp.Body.Close()
	if pushResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected push status: %d", pushResp.StatusCode)
	}

	reconciled, err := mapper.GetPost(pushReq.Context(), ownerUserID, repoID, postPath)
	if err != nil {
		testContext.Fatalf("reconciled post missing: %v", err)
	}
	if !strings.Contains(reconciled.Body, "Edited body.") {
		testContext.Fatalf("expected reconciled body to match the saved content, got %q", reconciled.Body)
	}
	if reconciled.Status != store.SyncStatusSynced {
		testContext.Fatalf("expected synced status after reconciliation, got %q", reconciled.Status)
	}
}

func mustMintToken(testContext *testing.T, secret, subject string, issuedAt time.Time) string {
	testContext.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func signPayload(body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body) //nolint:errcheck
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
