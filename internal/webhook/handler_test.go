package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"reflect"
	"sort"
	"testing"

	"github.com/inkwell-cms/inkwell/backend/internal/githost"
	"github.com/inkwell-cms/inkwell/backend/internal/importer"
)

var testSecret = []byte("webhook-test-secret")

type fakeResolver struct {
	resolutions map[string]Resolution
	err         error
}

func (f *fakeResolver) ResolveOwnerForRepoOwner(_ context.Context, externalOwnerID string) (Resolution, bool, error) {
	if f.err != nil {
		return Resolution{}, false, f.err
	}
	resolution, ok := f.resolutions[externalOwnerID]
	return resolution, ok, nil
}

type fakeReconciler struct {
	importedOwner string
	importedRepo  githost.RepoRef
	importedPaths []string
	deletedPaths  []string
	importCalls   int
	deleteCalls   int
	importErr     error
}

func (f *fakeReconciler) ImportFiles(_ context.Context, ownerID string, repo githost.RepoRef, paths []string, _ importer.Options) (importer.ImportSummary, error) {
	f.importCalls++
	f.importedOwner = ownerID
	f.importedRepo = repo
	f.importedPaths = append([]string(nil), paths...)
	if f.importErr != nil {
		return importer.ImportSummary{}, f.importErr
	}
	return importer.ImportSummary{Imported: len(paths), Total: len(paths)}, nil
}

func (f *fakeReconciler) DeleteFiles(_ context.Context, _ string, _ githost.RepoRef, paths []string) (int64, error) {
	f.deleteCalls++
	f.deletedPaths = append([]string(nil), paths...)
	return int64(len(paths)), nil
}

func newTestHandler(t *testing.T, resolver IdentityResolver, reconciler Reconciler) *Handler {
	t.Helper()
	if resolver == nil {
		resolver = &fakeResolver{resolutions: map[string]Resolution{
			"octocat": {OwnerID: "owner-1", AccessToken: "install-token"},
		}}
	}
	if reconciler == nil {
		reconciler = &fakeReconciler{}
	}
	handler, err := NewHandler(HandlerConfig{
		Secret:   testSecret,
		Resolver: resolver,
		Importer: reconciler,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return handler
}

func sign(t *testing.T, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, testSecret)
	mac.Write(body) //nolint:errcheck
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func signedHeaders(t *testing.T, event string, body []byte) Headers {
	t.Helper()
	return Headers{Signature: sign(t, body), Event: event, Delivery: "delivery-1"}
}

const pushBody = `{
  "ref": "refs/heads/main",
  "repository": {
    "name": "site",
    "default_branch": "main",
    "owner": {"login": "octocat"}
  },
  "installation": {"id": 42},
  "commits": [
    {"added": ["src/content/blog/new.md"], "modified": [], "removed": []},
    {"added": [], "modified": ["src/content/blog/new.md", "src/content/blog/old.md"], "removed": ["src/content/blog/gone.md"]}
  ]
}`

func TestHandleRejectsMissingTransportFields(t *testing.T) {
	handler := newTestHandler(t, nil, nil)
	body := []byte(pushBody)

	tests := []struct {
		name    string
		headers Headers
	}{
		{name: "no-signature", headers: Headers{Event: "push", Delivery: "d"}},
		{name: "no-event", headers: Headers{Signature: sign(t, body), Delivery: "d"}},
		{name: "no-delivery", headers: Headers{Signature: sign(t, body), Event: "push"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := handler.Handle(context.Background(), body, tt.headers)
			if outcome.Status != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", outcome.Status)
			}
		})
	}
}

func TestHandleRejectsBadSignatureWithoutProcessing(t *testing.T) {
	reconciler := &fakeReconciler{}
	handler := newTestHandler(t, nil, reconciler)
	body := []byte(pushBody)

	headers := Headers{Signature: "sha256=" + hex.EncodeToString(make([]byte, 32)), Event: "push", Delivery: "d"}
	outcome := handler.Handle(context.Background(), body, headers)
	if outcome.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", outcome.Status)
	}
	if reconciler.importCalls != 0 || reconciler.deleteCalls != 0 {
		t.Fatalf("rejected notification must cause zero processing")
	}
}

func TestHandlePushReconcilesChangedAndRemoved(t *testing.T) {
	reconciler := &fakeReconciler{}
	handler := newTestHandler(t, nil, reconciler)
	body := []byte(pushBody)

	outcome := handler.Handle(context.Background(), body, signedHeaders(t, "push", body))
	if outcome.Status != http.StatusOK || outcome.Action != ActionReconciled {
		t.Fatalf("unexpected outcome: %#v", outcome)
	}
	if reconciler.importedOwner != "owner-1" {
		t.Fatalf("expected resolved owner, got %q", reconciler.importedOwner)
	}
	if reconciler.importedRepo.String() != "octocat/site" {
		t.Fatalf("unexpected repo: %s", reconciler.importedRepo.String())
	}

	sort.Strings(reconciler.importedPaths)
	expectedChanged := []string{"src/content/blog/new.md", "src/content/blog/old.md"}
	if !reflect.DeepEqual(reconciler.importedPaths, expectedChanged) {
		t.Fatalf("changed files not deduplicated: %v", reconciler.importedPaths)
	}
	if !reflect.DeepEqual(reconciler.deletedPaths, []string{"src/content/blog/gone.md"}) {
		t.Fatalf("unexpected removed files: %v", reconciler.deletedPaths)
	}
}

func TestHandlePushIgnoresNonDefaultBranch(t *testing.T) {
	reconciler := &fakeReconciler{}
	handler := newTestHandler(t, nil, reconciler)
	body := []byte(`{
  "ref": "refs/heads/feature",
  "repository": {"name": "site", "default_branch": "main", "owner": {"login": "octocat"}},
  "commits": [{"added": ["src/content/blog/new.md"]}]
}`)

	outcome := handler.Handle(context.Background(), body, signedHeaders(t, "push", body))
	if outcome.Status != http.StatusOK || outcome.Action != ActionIgnoredBranch {
		t.Fatalf("unexpected outcome: %#v", outcome)
	}
	if reconciler.importCalls != 0 || reconciler.deleteCalls != 0 {
		t.Fatalf("non-default branch push must produce zero store calls")
	}
}

func TestHandlePushDropsUnmappableOwner(t *testing.T) {
	resolver := &fakeResolver{resolutions: map[string]Resolution{}}
	reconciler := &fakeReconciler{}
	handler := newTestHandler(t, resolver, reconciler)
	body := []byte(pushBody)

	outcome := handler.Handle(context.Background(), body, signedHeaders(t, "push", body))
	if outcome.Status != http.StatusOK {
		t.Fatalf("unmappable push must still acknowledge 200, got %d", outcome.Status)
	}
	if outcome.Action != ActionUnmappable {
		t.Fatalf("unexpected action: %s", outcome.Action)
	}
	if reconciler.importCalls != 0 {
		t.Fatalf("unmappable push must not reconcile")
	}
}

func TestHandlePushAcknowledgesDespiteDownstreamError(t *testing.T) {
	reconciler := &fakeReconciler{importErr: errors.New("store down")}
	handler := newTestHandler(t, nil, reconciler)
	body := []byte(pushBody)

	outcome := handler.Handle(context.Background(), body, signedHeaders(t, "push", body))
	if outcome.Status != http.StatusOK || outcome.Action != ActionFailed {
		t.Fatalf("handler errors must still acknowledge 200: %#v", outcome)
	}
}

func TestHandleAcknowledgesPingAndUnknownEvents(t *testing.T) {
	handler := newTestHandler(t, nil, nil)
	body := []byte(`{"zen": "keep it simple"}`)

	tests := []struct {
		event string
		want  string
	}{
		{event: "ping", want: ActionPing},
		{event: "workflow_run", want: ActionIgnoredEvent},
		{event: "installation", want: ActionInstallation},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			outcome := handler.Handle(context.Background(), body, signedHeaders(t, tt.event, body))
			if outcome.Status != http.StatusOK || outcome.Action != tt.want {
				t.Fatalf("unexpected outcome: %#v", outcome)
			}
		})
	}
}

func TestChangedAndRemovedResolvesFinalState(t *testing.T) {
	payload := pushPayload{Commits: []commitPayload{
		{Added: []string{"a.md"}},
		{Removed: []string{"a.md", "b.md"}},
		{Added: []string{"b.md"}},
	}}

	changed, removed := payload.changedAndRemoved()
	sort.Strings(changed)
	sort.Strings(removed)
	if !reflect.DeepEqual(changed, []string{"b.md"}) {
		t.Fatalf("unexpected changed set: %v", changed)
	}
	if !reflect.DeepEqual(removed, []string{"a.md"}) {
		t.Fatalf("unexpected removed set: %v", removed)
	}
}
