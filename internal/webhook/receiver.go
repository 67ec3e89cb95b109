package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"kpicatalog/internal/domain"
	"kpicatalog/internal/engine"
	"kpicatalog/internal/repo"
)

const (
	EventHeader    = "X-GitHub-Event"
	DeliveryHeader = "X-GitHub-Delivery"
)

// Delivery outcomes recorded on webhook_deliveries.
const (
	OutcomeIgnored    = "ignored"
	OutcomeDuplicate  = "duplicate"
	OutcomeReconciled = engine.OutcomeReconciled
	OutcomeDropped    = engine.OutcomeDropped
	OutcomeError      = "error"
)

const defaultMaxBody = 5 << 20

// Reconciler applies a closed pull request to catalog state.
type Reconciler interface {
	Reconcile(ctx context.Context, pr engine.ClosedPullRequest) (engine.ReconcileResult, error)
}

// DeliveryStore keeps inbound deliveries for duplicate detection and replay.
type DeliveryStore interface {
	InsertDelivery(ctx context.Context, d domain.WebhookDelivery) (bool, error)
	FinishDelivery(ctx context.Context, id, outcome, errMsg, now string) error
	GetDelivery(ctx context.Context, id string) (domain.WebhookDelivery, error)
}

type Options struct {
	// Secret is the shared HMAC secret. Empty disables verification.
	Secret       []byte
	MaxBodyBytes int64
	Log          *slog.Logger
	Now          func() time.Time
}

// Receiver is the public endpoint the external host notifies when a pull
// request changes.
type Receiver struct {
	reconciler Reconciler
	store      DeliveryStore
	secret     []byte
	maxBody    int64
	log        *slog.Logger
	now        func() time.Time
}

func NewReceiver(reconciler Reconciler, store DeliveryStore, opts Options) *Receiver {
	r := &Receiver{
		reconciler: reconciler,
		store:      store,
		secret:     opts.Secret,
		maxBody:    opts.MaxBodyBytes,
		log:        opts.Log,
		now:        opts.Now,
	}
	if r.maxBody <= 0 {
		r.maxBody = defaultMaxBody
	}
	if r.log == nil {
		r.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.now == nil {
		r.now = time.Now
	}
	if len(r.secret) == 0 {
		r.log.Warn("WEBHOOK SECRET NOT CONFIGURED: inbound notifications are accepted without signature verification; do not run this way in production")
	}
	return r
}

// Result describes what happened to one delivery.
type Result struct {
	DeliveryID string                  `json:"delivery_id"`
	Outcome    string                  `json:"outcome"`
	Reason     string                  `json:"reason,omitempty"`
	Reconcile  *engine.ReconcileResult `json:"reconcile,omitempty"`
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rc.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "could not read body")
		return
	}

	if len(rc.secret) > 0 {
		if err := Verify(rc.secret, body, r.Header.Get(SignatureHeader)); err != nil {
			rc.log.Warn("webhook rejected", "err", err, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
	} else {
		rc.log.Warn("processing unsigned webhook: no secret configured")
	}

	res, err := rc.Handle(r.Context(), r.Header.Get(EventHeader), r.Header.Get(DeliveryHeader), body)
	if err != nil {
		rc.log.Error("webhook processing failed", "delivery_id", res.DeliveryID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "webhook processing failed")
		return
	}
	rc.log.Info("webhook handled", "delivery_id", res.DeliveryID, "outcome", res.Outcome, "reason", res.Reason)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// Handle records and processes an already authenticated delivery. A
// delivery id seen before is only processed again when its earlier attempt
// did not finish cleanly.
func (rc *Receiver) Handle(ctx context.Context, event, deliveryID string, body []byte) (Result, error) {
	if deliveryID == "" {
		sum := sha256.Sum256(body)
		deliveryID = "sha256-" + hex.EncodeToString(sum[:])
	}
	res := Result{DeliveryID: deliveryID}
	p, decodeErr := decodePayload(body)
	if event == "" && p.PullRequest != nil {
		event = EventPullRequest
	}

	inserted, err := rc.store.InsertDelivery(ctx, domain.WebhookDelivery{
		DeliveryID: deliveryID,
		Event:      event,
		Action:     p.Action,
		Payload:    string(body),
		ReceivedAt: domain.FormatTime(rc.now()),
	})
	if err != nil {
		return res, fmt.Errorf("store delivery: %w", err)
	}
	if !inserted {
		prior, err := rc.store.GetDelivery(ctx, deliveryID)
		if err != nil {
			return res, fmt.Errorf("load delivery: %w", err)
		}
		if prior.ProcessedAt != "" && prior.Outcome != OutcomeError {
			res.Outcome = OutcomeDuplicate
			res.Reason = "already processed as " + prior.Outcome
			return res, nil
		}
	}
	if decodeErr != nil {
		return rc.fail(ctx, res, decodeErr)
	}
	return rc.process(ctx, res, event, p)
}

// Replay re-runs a stored delivery without signature verification.
func (rc *Receiver) Replay(ctx context.Context, deliveryID string) (Result, error) {
	d, err := rc.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Result{}, fmt.Errorf("delivery %s: %w", deliveryID, err)
		}
		return Result{}, err
	}
	res := Result{DeliveryID: d.DeliveryID}
	p, err := decodePayload([]byte(d.Payload))
	if err != nil {
		return rc.fail(ctx, res, err)
	}
	return rc.process(ctx, res, d.Event, p)
}

func (rc *Receiver) process(ctx context.Context, res Result, event string, p Payload) (Result, error) {
	if event != "" && event != EventPullRequest {
		res.Outcome = OutcomeIgnored
		res.Reason = "event " + event
		return res, rc.finish(ctx, res, nil)
	}
	pr, ok := p.closedPullRequest()
	if !ok {
		res.Outcome = OutcomeIgnored
		res.Reason = strings.TrimSpace("action " + p.Action)
		return res, rc.finish(ctx, res, nil)
	}
	out, err := rc.reconciler.Reconcile(ctx, pr)
	if err != nil {
		return rc.fail(ctx, res, err)
	}
	res.Outcome = out.Outcome
	res.Reason = out.Reason
	res.Reconcile = &out
	return res, rc.finish(ctx, res, nil)
}

// fail records cause as an error outcome so a redelivery is processed again.
func (rc *Receiver) fail(ctx context.Context, res Result, cause error) (Result, error) {
	res.Outcome = OutcomeError
	if ferr := rc.finish(ctx, res, cause); ferr != nil {
		rc.log.Error("record delivery failure", "delivery_id", res.DeliveryID, "err", ferr)
	}
	return res, cause
}

func (rc *Receiver) finish(ctx context.Context, res Result, cause error) error {
	msg := res.Reason
	if cause != nil {
		msg = cause.Error()
	}
	return rc.store.FinishDelivery(context.WithoutCancel(ctx), res.DeliveryID, res.Outcome, msg, domain.FormatTime(rc.now()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}
