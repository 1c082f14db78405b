package githost

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL        = "https://api.github.com"
	defaultRequestTimeout = 30 * time.Second
)

var (
	errMissingToken    = errors.New("access token must not be empty")
	errUnexpectedShape = errors.New("unexpected response shape")
)

// RESTClientConfig configures a RESTClient against a GitHub-style contents API.
type RESTClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// RESTClient implements Client over the host's REST contents API.
type RESTClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewRESTClient constructs a client with validated configuration.
func NewRESTClient(cfg RESTClientConfig) (*RESTClient, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errMissingToken
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RESTClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// WithToken returns a copy of the client bound to a different credential.
// Webhook reconciliation resolves a per-installation token at dispatch time.
func (c *RESTClient) WithToken(token string) *RESTClient {
	clone := *c
	clone.token = token
	return &clone
}

type contentEntryPayload struct {
	Path    string `json:"path"`
	Type    string `json:"type"`
	Content string `json:"content"`
	SHA     string `json:"sha"`
}

type putResponsePayload struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

type repoInfoPayload struct {
	DefaultBranch string `json:"default_branch"`
}

// ListDirectory returns the immediate entries under path.
func (c *RESTClient) ListDirectory(ctx context.Context, repo RepoRef, path, ref string) ([]Entry, error) {
	body, status, err := c.do(ctx, http.MethodGet, c.contentsURL(repo, path, ref), nil)
	if err != nil {
		return nil, err
	}
	if err := mapStatus(status, body); err != nil {
		return nil, err
	}

	var payload []contentEntryPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		// A single-file response is an object, not an array.
		return nil, fmt.Errorf("%w: listing %s", errUnexpectedShape, path)
	}

	entries := make([]Entry, 0, len(payload))
	for _, item := range payload {
		entryType := EntryTypeFile
		if item.Type == "dir" {
			entryType = EntryTypeDir
		}
		entries = append(entries, Entry{Path: item.Path, Type: entryType})
	}
	return entries, nil
}

// GetFile fetches one file's decoded content and its blob revision.
func (c *RESTClient) GetFile(ctx context.Context, repo RepoRef, path, ref string) (File, error) {
	body, status, err := c.do(ctx, http.MethodGet, c.contentsURL(repo, path, ref), nil)
	if err != nil {
		return File{}, err
	}
	if err := mapStatus(status, body); err != nil {
		return File{}, err
	}

	var payload contentEntryPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return File{}, fmt.Errorf("%w: fetching %s", errUnexpectedShape, path)
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(payload.Content, "\n", ""))
	if err != nil {
		return File{}, fmt.Errorf("githost: decoding %s: %w", path, err)
	}
	return File{Path: path, Content: string(decoded), Revision: payload.SHA}, nil
}

// PutFile writes content conditionally on expectedRevision. An empty
// expectedRevision creates a new file; a stale one yields ErrRevisionConflict.
func (c *RESTClient) PutFile(ctx context.Context, repo RepoRef, path, content, message, expectedRevision string) (PutResult, error) {
	request := map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
	}
	if expectedRevision != "" {
		request["sha"] = expectedRevision
	}
	encoded, err := json.Marshal(request)
	if err != nil {
		return PutResult{}, err
	}

	body, status, err := c.do(ctx, http.MethodPut, c.contentsURL(repo, path, ""), encoded)
	if err != nil {
		return PutResult{}, err
	}
	if err := mapStatus(status, body); err != nil {
		return PutResult{}, err
	}

	var payload putResponsePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return PutResult{}, fmt.Errorf("%w: writing %s", errUnexpectedShape, path)
	}
	return PutResult{Revision: payload.Content.SHA, CommitID: payload.Commit.SHA}, nil
}

// DeleteFile removes a file at its current revision.
func (c *RESTClient) DeleteFile(ctx context.Context, repo RepoRef, path, revision, message string) error {
	request := map[string]string{
		"message": message,
		"sha":     revision,
	}
	encoded, err := json.Marshal(request)
	if err != nil {
		return err
	}

	body, status, err := c.do(ctx, http.MethodDelete, c.contentsURL(repo, path, ""), encoded)
	if err != nil {
		return err
	}
	return mapStatus(status, body)
}

// DefaultBranch reports the repository's configured default branch.
func (c *RESTClient) DefaultBranch(ctx context.Context, repo RepoRef) (string, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, url.PathEscape(repo.Owner), url.PathEscape(repo.Name))
	body, status, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	if err := mapStatus(status, body); err != nil {
		return "", err
	}

	var payload repoInfoPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("%w: repository info", errUnexpectedShape)
	}
	return payload.DefaultBranch, nil
}

func (c *RESTClient) contentsURL(repo RepoRef, path, ref string) string {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		c.baseURL, url.PathEscape(repo.Owner), url.PathEscape(repo.Name), escapePath(path))
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}
	return endpoint
}

func escapePath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

func (c *RESTClient) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, err
	}
	request.Header.Set("Accept", "application/vnd.github+json")
	request.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, 0, err
	}
	defer response.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, response.StatusCode, nil
}

func mapStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict, status == http.StatusUnprocessableEntity:
		// The host rejects a contents write carrying a stale blob sha with
		// either 409 or 422 depending on the failure path.
		return ErrRevisionConflict
	case status == http.StatusForbidden, status == http.StatusUnauthorized:
		return ErrPermissionDenied
	default:
		return fmt.Errorf("githost: unexpected status %d: %s", status, truncate(body, 160))
	}
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
