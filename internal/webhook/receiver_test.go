package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpicatalog/internal/config"
	"kpicatalog/internal/db"
	"kpicatalog/internal/domain"
	"kpicatalog/internal/engine"
	"kpicatalog/internal/migrate"
	"kpicatalog/internal/repo"
	"kpicatalog/internal/syncer"
	"kpicatalog/internal/vcs"
	"kpicatalog/internal/webhook"
)

var secret = []byte("s3cret")

type fixture struct {
	eng      engine.Engine
	receiver *webhook.Receiver
	logs     *bytes.Buffer
	entity   domain.Entity
	contrib  string
	branch   string
}

func newFixture(t *testing.T, key []byte) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	host := vcs.NewMemoryHost("acme", "catalog", "main")
	host.SetNextPullRequestNumber(42)
	s := syncer.New(host, syncer.Options{
		Committer: vcs.Identity{Name: "Catalog Bot", Email: "bot@example.com"},
		Now:       func() time.Time { return time.UnixMilli(1699999999999) },
	})
	eng := engine.New(conn, config.Default(), s, nil)
	res, err := eng.CreateEntity(context.Background(), engine.CreateOptions{
		Kind:  domain.KindKPI,
		Name:  "Checkout Conversion Rate",
		Actor: engine.Actor{ID: "ada"},
	})
	require.NoError(t, err)
	require.True(t, res.Sync.Success, res.Sync.Error)

	logs := &bytes.Buffer{}
	rc := webhook.NewReceiver(eng, eng.Repo, webhook.Options{
		Secret: key,
		Log:    slog.New(slog.NewTextHandler(logs, nil)),
	})
	return fixture{eng: eng, receiver: rc, logs: logs, entity: res.Entity, contrib: res.Contribution.ID, branch: res.Sync.Branch}
}

func closedPayload(number int, merged bool, ref string) []byte {
	return []byte(fmt.Sprintf(`{"action":"closed","pull_request":{"number":%d,"merged":%t,"state":"closed","head":{"ref":%q}},"repository":{"name":"catalog","owner":{"login":"acme"}}}`,
		number, merged, ref))
}

func post(t *testing.T, h http.Handler, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/vcs", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func (f fixture) status(t *testing.T) domain.Status {
	t.Helper()
	e, err := f.eng.Repo.GetEntity(context.Background(), nil, f.entity.ID)
	require.NoError(t, err)
	return e.Status
}

func (f fixture) ledger(t *testing.T) domain.ContributionStatus {
	t.Helper()
	c, err := f.eng.Repo.GetContribution(context.Background(), f.contrib)
	require.NoError(t, err)
	return c.Status
}

func TestVerify(t *testing.T) {
	body := []byte(`{"action":"closed"}`)
	sig := webhook.Sign(secret, body)
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.NoError(t, webhook.Verify(secret, body, sig))
	assert.ErrorIs(t, webhook.Verify(secret, body, ""), webhook.ErrMissingSignature)
	assert.ErrorIs(t, webhook.Verify(secret, body, "sha1=abc"), webhook.ErrSignatureMismatch)
	assert.ErrorIs(t, webhook.Verify(secret, body, "sha256=zz"), webhook.ErrSignatureMismatch)
	assert.ErrorIs(t, webhook.Verify([]byte("other"), body, sig), webhook.ErrSignatureMismatch)
	assert.ErrorIs(t, webhook.Verify(secret, append(body, ' '), sig), webhook.ErrSignatureMismatch)
}

func TestBadSignatureIsRejectedWithoutProcessing(t *testing.T) {
	f := newFixture(t, secret)
	body := closedPayload(42, true, f.branch)

	rec := post(t, f.receiver, body, map[string]string{
		webhook.SignatureHeader: webhook.Sign([]byte("wrong"), body),
		webhook.DeliveryHeader:  "d-1",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Body.String(), "mismatch")
	assert.Equal(t, domain.StatusDraft, f.status(t))
	assert.Equal(t, domain.ContributionPending, f.ledger(t))
	_, err := f.eng.Repo.GetDelivery(context.Background(), "d-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestTamperedBodyIsRejectedWithoutProcessing(t *testing.T) {
	f := newFixture(t, secret)
	body := closedPayload(42, true, f.branch)
	sig := webhook.Sign(secret, body)
	tampered := append([]byte{}, body...)
	tampered[bytes.IndexByte(tampered, '4')] = '7'

	rec := post(t, f.receiver, tampered, map[string]string{
		webhook.SignatureHeader: sig,
		webhook.EventHeader:     "pull_request",
		webhook.DeliveryHeader:  "d-tampered",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, domain.StatusDraft, f.status(t))
	assert.Equal(t, domain.ContributionPending, f.ledger(t))
	_, err := f.eng.Repo.GetDelivery(context.Background(), "d-tampered")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	rec = post(t, f.receiver, body, map[string]string{
		webhook.SignatureHeader: sig,
		webhook.EventHeader:     "pull_request",
		webhook.DeliveryHeader:  "d-tampered",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusPublished, f.status(t))
}

func TestMergedNotificationPublishes(t *testing.T) {
	f := newFixture(t, secret)
	body := closedPayload(42, true, "created-kpis-checkout-conversion-rate-1699999999999")
	headers := map[string]string{
		webhook.SignatureHeader: webhook.Sign(secret, body),
		webhook.EventHeader:     "pull_request",
		webhook.DeliveryHeader:  "d-42",
	}

	rec := post(t, f.receiver, body, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
	assert.Equal(t, domain.StatusPublished, f.status(t))
	assert.Equal(t, domain.ContributionCompleted, f.ledger(t))

	d, err := f.eng.Repo.GetDelivery(context.Background(), "d-42")
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeReconciled, d.Outcome)
	assert.Equal(t, "pull_request", d.Event)
	assert.Equal(t, "closed", d.Action)

	// the host redelivers
	rec = post(t, f.receiver, body, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	res, err := f.receiver.Handle(context.Background(), "pull_request", "d-42", body)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeDuplicate, res.Outcome)

	evts, err := f.eng.Repo.LatestEvents(context.Background(), repo.EventFilters{Type: "entity.published"})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestClosedUnmergedRecordsFailure(t *testing.T) {
	f := newFixture(t, secret)
	body := closedPayload(42, false, f.branch)
	rec := post(t, f.receiver, body, map[string]string{webhook.SignatureHeader: webhook.Sign(secret, body)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusDraft, f.status(t))
	assert.Equal(t, domain.ContributionFailed, f.ledger(t))
}

func TestUnsignedAcceptedWhenNoSecret(t *testing.T) {
	f := newFixture(t, nil)
	assert.Contains(t, f.logs.String(), "WEBHOOK SECRET NOT CONFIGURED")

	body := closedPayload(42, true, f.branch)
	rec := post(t, f.receiver, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusPublished, f.status(t))
	assert.Contains(t, f.logs.String(), "processing unsigned webhook")
}

func TestIrrelevantEventsAreAcknowledged(t *testing.T) {
	f := newFixture(t, secret)
	cases := []struct {
		name  string
		event string
		body  []byte
	}{
		{"push event", "push", []byte(`{"ref":"refs/heads/main"}`)},
		{"opened", "pull_request", []byte(`{"action":"opened","pull_request":{"number":42,"head":{"ref":"x"}}}`)},
		{"foreign branch", "pull_request", closedPayload(7, true, "feature-login")},
		{"unknown slug", "pull_request", closedPayload(8, true, "created-kpis-gone-1")},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := fmt.Sprintf("d-%d", i)
			rec := post(t, f.receiver, tc.body, map[string]string{
				webhook.SignatureHeader: webhook.Sign(secret, tc.body),
				webhook.EventHeader:     tc.event,
				webhook.DeliveryHeader:  id,
			})
			require.Equal(t, http.StatusOK, rec.Code)
			d, err := f.eng.Repo.GetDelivery(context.Background(), id)
			require.NoError(t, err)
			assert.Contains(t, []string{webhook.OutcomeIgnored, webhook.OutcomeDropped}, d.Outcome)
		})
	}
	assert.Equal(t, domain.StatusDraft, f.status(t))
	assert.Equal(t, domain.ContributionPending, f.ledger(t))
}

type failingReconciler struct {
	calls atomic.Int32
}

func (r *failingReconciler) Reconcile(context.Context, engine.ClosedPullRequest) (engine.ReconcileResult, error) {
	r.calls.Add(1)
	return engine.ReconcileResult{}, errors.New("database is locked")
}

func errorEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code, env.Error.Message
}

func TestReconcileFailureAnswers500AndIsRedelivered(t *testing.T) {
	f := newFixture(t, secret)
	failing := &failingReconciler{}
	rc := webhook.NewReceiver(failing, f.eng.Repo, webhook.Options{Secret: secret})
	body := closedPayload(42, true, f.branch)
	headers := map[string]string{
		webhook.SignatureHeader: webhook.Sign(secret, body),
		webhook.EventHeader:     "pull_request",
		webhook.DeliveryHeader:  "d-500",
	}

	rec := post(t, rc, body, headers)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	code, msg := errorEnvelope(t, rec)
	assert.Equal(t, "internal", code)
	assert.Equal(t, "webhook processing failed", msg)
	assert.NotContains(t, rec.Body.String(), "database is locked")

	d, err := f.eng.Repo.GetDelivery(context.Background(), "d-500")
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeError, d.Outcome)
	assert.Equal(t, "database is locked", d.Error)
	assert.NotEmpty(t, d.ProcessedAt)

	rec = post(t, rc, body, headers)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, int32(2), failing.calls.Load())
	assert.Equal(t, domain.StatusDraft, f.status(t))
	assert.Equal(t, domain.ContributionPending, f.ledger(t))

	// the host redelivers once the store recovers
	rec = post(t, f.receiver, body, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusPublished, f.status(t))
	assert.Equal(t, domain.ContributionCompleted, f.ledger(t))
	d, err = f.eng.Repo.GetDelivery(context.Background(), "d-500")
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeReconciled, d.Outcome)
}

func TestUndecodablePayloadAnswers500(t *testing.T) {
	f := newFixture(t, secret)
	body := []byte(`{"action":`)
	rec := post(t, f.receiver, body, map[string]string{
		webhook.SignatureHeader: webhook.Sign(secret, body),
		webhook.EventHeader:     "pull_request",
		webhook.DeliveryHeader:  "d-bad-json",
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	code, _ := errorEnvelope(t, rec)
	assert.Equal(t, "internal", code)

	d, err := f.eng.Repo.GetDelivery(context.Background(), "d-bad-json")
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeError, d.Outcome)
	assert.Contains(t, d.Error, "decode payload")

	_, err = f.receiver.Replay(context.Background(), "d-bad-json")
	assert.Error(t, err)
	assert.Equal(t, domain.StatusDraft, f.status(t))
}

func TestReplayConvergesOnSameState(t *testing.T) {
	f := newFixture(t, secret)
	body := closedPayload(42, true, f.branch)
	res, err := f.receiver.Handle(context.Background(), "", "", body)
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeReconciled, res.Outcome)
	assert.True(t, strings.HasPrefix(res.DeliveryID, "sha256-"))

	before, err := f.eng.Repo.GetEntity(context.Background(), nil, f.entity.ID)
	require.NoError(t, err)
	again, err := f.receiver.Replay(context.Background(), res.DeliveryID)
	require.NoError(t, err)
	require.NotNil(t, again.Reconcile)
	assert.False(t, again.Reconcile.Published)
	assert.Zero(t, again.Reconcile.Resolved)

	after, err := f.eng.Repo.GetEntity(context.Background(), nil, f.entity.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = f.receiver.Replay(context.Background(), "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestOversizedBodyRejected(t *testing.T) {
	f := newFixture(t, nil)
	rc := webhook.NewReceiver(f.eng, f.eng.Repo, webhook.Options{MaxBodyBytes: 16})
	rec := post(t, rc, closedPayload(42, true, f.branch), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	code, _ := errorEnvelope(t, rec)
	assert.Equal(t, "payload_too_large", code)
}
