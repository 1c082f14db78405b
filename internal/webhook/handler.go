package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/inkwell-cms/inkwell/backend/internal/githost"
	"github.com/inkwell-cms/inkwell/backend/internal/importer"
)

const signaturePrefix = "sha256="

var (
	errMissingSecret   = errors.New("webhook signing secret is required")
	errMissingResolver = errors.New("identity resolver is required")
	errMissingImporter = errors.New("importer is required")
	noOpLogger         = zap.NewNop()
)

// Resolution is the owner identity and credential usable for reconciliation.
type Resolution struct {
	OwnerID     string
	AccessToken string
}

// IdentityResolver maps a repository owner's external identity to the cache
// owner. The false return is a first-class outcome: a push for a repository
// nobody installed is logged and dropped, never surfaced as an error to the
// sender.
type IdentityResolver interface {
	ResolveOwnerForRepoOwner(ctx context.Context, externalOwnerID string) (Resolution, bool, error)
}

// Reconciler is the slice of the import pipeline the push handler re-runs.
type Reconciler interface {
	ImportFiles(ctx context.Context, ownerID string, repo githost.RepoRef, paths []string, opts importer.Options) (importer.ImportSummary, error)
	DeleteFiles(ctx context.Context, ownerID string, repo githost.RepoRef, paths []string) (int64, error)
}

// Outcome reports how a notification was handled. Status is the HTTP status
// to acknowledge with; Action is a stable label for logging and tests.
type Outcome struct {
	Status int
	Action string
}

const (
	ActionRejectedMissingFields = "rejected_missing_fields"
	ActionRejectedSignature     = "rejected_signature"
	ActionPing                  = "ping"
	ActionInstallation          = "installation"
	ActionIgnoredEvent          = "ignored_event"
	ActionIgnoredBranch         = "ignored_branch"
	ActionUnmappable            = "unmappable"
	ActionReconciled            = "reconciled"
	ActionFailed                = "failed"
)

// HandlerConfig bundles the dependencies for a webhook Handler.
type HandlerConfig struct {
	// Secret is the process-wide signing secret, loaded once at startup.
	Secret   []byte
	Resolver IdentityResolver
	Importer Reconciler
	// HostFactory builds a host client bound to a resolved per-installation
	// credential. Nil means reconciliation fetches use the importer's
	// default client.
	HostFactory func(token string) githost.Client
	Logger      *zap.Logger
}

// Handler verifies, resolves, and dispatches inbound change notifications.
// It is stateless between calls; everything durable lives in the document
// store.
type Handler struct {
	secret      []byte
	resolver    IdentityResolver
	importer    Reconciler
	hostFactory func(token string) githost.Client
	logger      *zap.Logger
}

// NewHandler constructs a Handler with validated configuration.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if len(cfg.Secret) == 0 {
		return nil, errMissingSecret
	}
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	if cfg.Importer == nil {
		return nil, errMissingImporter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Handler{
		secret:      cfg.Secret,
		resolver:    cfg.Resolver,
		importer:    cfg.Importer,
		hostFactory: cfg.HostFactory,
		logger:      logger,
	}, nil
}

// Handle processes one raw notification. Verification failures are the only
// non-200 outcomes; handler-level errors are logged and acknowledged with
// 200 so the sender's retry policy is not triggered by downstream bugs.
func (h *Handler) Handle(ctx context.Context, rawBody []byte, headers Headers) Outcome {
	if headers.Signature == "" || headers.Event == "" || headers.Delivery == "" {
		return Outcome{Status: http.StatusBadRequest, Action: ActionRejectedMissingFields}
	}
	if !h.verifySignature(rawBody, headers.Signature) {
		h.logger.Warn("webhook signature mismatch", zap.String("delivery", headers.Delivery))
		return Outcome{Status: http.StatusUnauthorized, Action: ActionRejectedSignature}
	}

	switch headers.Event {
	case "push":
		return h.handlePush(ctx, rawBody, headers.Delivery)
	case "installation":
		h.logInstallation(rawBody, headers.Delivery)
		return Outcome{Status: http.StatusOK, Action: ActionInstallation}
	case "ping":
		return Outcome{Status: http.StatusOK, Action: ActionPing}
	default:
		// Unknown event types acknowledge cleanly for forward compatibility.
		return Outcome{Status: http.StatusOK, Action: ActionIgnoredEvent}
	}
}

// verifySignature recomputes the HMAC over the raw body and compares it to
// the supplied signature in constant time.
func (h *Handler) verifySignature(rawBody []byte, signature string) bool {
	supplied := strings.TrimPrefix(signature, signaturePrefix)
	decoded, err := hex.DecodeString(supplied)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(rawBody) //nolint:errcheck
	return hmac.Equal(decoded, mac.Sum(nil))
}

func (h *Handler) handlePush(ctx context.Context, rawBody []byte, delivery string) Outcome {
	var payload pushPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		h.logger.Error("push payload unreadable", zap.String("delivery", delivery), zap.Error(err))
		return Outcome{Status: http.StatusOK, Action: ActionFailed}
	}

	branch := payload.pushedBranch()
	if branch == "" || branch != payload.Repository.DefaultBranch {
		return Outcome{Status: http.StatusOK, Action: ActionIgnoredBranch}
	}

	repo, err := githost.NewRepoRef(payload.ownerLogin(), payload.Repository.Name)
	if err != nil {
		h.logger.Error("push payload missing repository identity",
			zap.String("delivery", delivery), zap.Error(err))
		return Outcome{Status: http.StatusOK, Action: ActionFailed}
	}

	resolution, found, err := h.resolver.ResolveOwnerForRepoOwner(ctx, repo.Owner)
	if err != nil {
		h.logger.Error("owner resolution failed",
			zap.String("delivery", delivery),
			zap.String("repo", repo.String()),
			zap.Error(err))
		return Outcome{Status: http.StatusOK, Action: ActionFailed}
	}
	if !found {
		h.logger.Info("dropping push for unmapped repository owner",
			zap.String("delivery", delivery),
			zap.String("repo", repo.String()))
		return Outcome{Status: http.StatusOK, Action: ActionUnmappable}
	}

	changed, removed := payload.changedAndRemoved()
	sort.Strings(changed)
	sort.Strings(removed)

	opts := importer.Options{Ref: payload.Repository.DefaultBranch}
	if h.hostFactory != nil && resolution.AccessToken != "" {
		opts.Host = h.hostFactory(resolution.AccessToken)
	}

	if len(changed) > 0 {
		summary, err := h.importer.ImportFiles(ctx, resolution.OwnerID, repo, changed, opts)
		if err != nil {
			h.logger.Error("reconciliation import failed",
				zap.String("delivery", delivery),
				zap.String("repo", repo.String()),
				zap.Error(err))
			return Outcome{Status: http.StatusOK, Action: ActionFailed}
		}
		h.logger.Info("reconciled changed files",
			zap.String("delivery", delivery),
			zap.String("repo", repo.String()),
			zap.Int("imported", summary.Imported),
			zap.Int("total", summary.Total),
			zap.Int("failed", len(summary.Errors)))
	}

	if len(removed) > 0 {
		deleted, err := h.importer.DeleteFiles(ctx, resolution.OwnerID, repo, removed)
		if err != nil {
			h.logger.Error("reconciliation delete failed",
				zap.String("delivery", delivery),
				zap.String("repo", repo.String()),
				zap.Error(err))
			return Outcome{Status: http.StatusOK, Action: ActionFailed}
		}
		h.logger.Info("reconciled removed files",
			zap.String("delivery", delivery),
			zap.String("repo", repo.String()),
			zap.Int64("deleted", deleted))
	}

	return Outcome{Status: http.StatusOK, Action: ActionReconciled}
}

func (h *Handler) logInstallation(rawBody []byte, delivery string) {
	var payload installationPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		h.logger.Warn("installation payload unreadable", zap.String("delivery", delivery), zap.Error(err))
		return
	}
	h.logger.Info("installation event",
		zap.String("delivery", delivery),
		zap.String("action", payload.Action),
		zap.Int64("installation_id", payload.Installation.ID),
		zap.String("account", payload.Installation.Account.Login))
}
