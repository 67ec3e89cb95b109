package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"kpicatalog/internal/config"
	"kpicatalog/internal/domain"
	"kpicatalog/internal/webhook"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
	// overlapIDs is how far below the highest forwarded id each poll
	// re-reads. Ids are assigned at insert but become visible at commit,
	// so a slow transaction can surface below the cursor.
	overlapIDs = 32
)

// Outbound headers.
const (
	HeaderEvent     = "X-Catalog-Event"
	HeaderDelivery  = "X-Catalog-Delivery"
	HeaderSignature = "X-Catalog-Signature-256"
)

// EventSource pages the audit log.
type EventSource interface {
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

type subscriber struct {
	url     string
	filter  eventFilter
	secret  []byte
	timeout time.Duration
}

// Notifier forwards new audit events to subscriber URLs. Delivery is best
// effort: a failing subscriber is retried from the same event on the next
// tick and never blocks the others. An event committed more than overlapIDs
// ids behind the newest forwarded one is not seen.
type Notifier struct {
	source   EventSource
	subs     []subscriber
	client   *http.Client
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	cursors map[int]*cursor
}

// cursor tracks one subscriber's progress through the log.
type cursor struct {
	floor int64 // newest id when the subscriber started
	high  int64
	seen  map[int64]struct{}
}

func (c *cursor) from() int64 {
	return max(c.floor, c.high-overlapIDs)
}

func (c *cursor) mark(id int64) {
	c.seen[id] = struct{}{}
	c.high = max(c.high, id)
}

// trim forgets ids that fall out of the re-read window.
func (c *cursor) trim() {
	from := c.from()
	for id := range c.seen {
		if id <= from {
			delete(c.seen, id)
		}
	}
}

type Options struct {
	Interval time.Duration
	Client   *http.Client
	Log      *slog.Logger
}

// New returns nil when no subscriber is enabled.
func New(source EventSource, hooks []config.NotificationConfig, opts Options) *Notifier {
	n := &Notifier{
		source:   source,
		client:   opts.Client,
		interval: opts.Interval,
		log:      opts.Log,
		cursors:  make(map[int]*cursor),
	}
	if n.client == nil {
		n.client = &http.Client{}
	}
	if n.interval <= 0 {
		n.interval = defaultInterval
	}
	if n.log == nil {
		n.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		s := subscriber{url: h.URL, filter: newEventFilter(h.Events), timeout: defaultTimeout}
		if h.TimeoutSeconds > 0 {
			s.timeout = time.Duration(h.TimeoutSeconds) * time.Second
		}
		if h.SecretEnv != "" {
			s.secret = []byte(os.Getenv(h.SecretEnv))
		}
		n.subs = append(n.subs, s)
	}
	if len(n.subs) == 0 {
		return nil
	}
	return n
}

// Run dispatches until ctx ends.
func (n *Notifier) Run(ctx context.Context) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		n.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce forwards one batch of pending events to every subscriber.
func (n *Notifier) DispatchOnce(ctx context.Context) {
	for i, s := range n.subs {
		n.dispatch(ctx, i, s)
	}
}

func (n *Notifier) dispatch(ctx context.Context, idx int, s subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cur := n.cursorFor(ctx, idx)
	defer cur.trim()
	evts, err := n.source.EventsAfter(ctx, cur.from(), defaultBatch)
	if err != nil {
		n.log.Error("notify: fetch events", "err", err)
		return
	}
	for _, evt := range evts {
		if _, ok := cur.seen[evt.ID]; ok {
			continue
		}
		if !s.filter.match(evt.Type) {
			cur.mark(evt.ID)
			continue
		}
		if err := n.post(ctx, s, evt); err != nil {
			n.log.Warn("notify: delivery failed", "url", s.url, "event_id", evt.ID, "err", err)
			return
		}
		cur.mark(evt.ID)
	}
}

// cursorFor starts a subscriber at the newest event so a restart does not
// resend history. Callers hold n.mu.
func (n *Notifier) cursorFor(ctx context.Context, idx int) *cursor {
	if cur, ok := n.cursors[idx]; ok {
		return cur
	}
	latest, err := n.source.LatestEventID(ctx)
	if err != nil {
		n.log.Error("notify: init cursor", "err", err)
		latest = 0
	}
	cur := &cursor{floor: latest, high: latest, seen: make(map[int64]struct{})}
	n.cursors[idx] = cur
	return cur
}

// Message is the JSON body posted to subscribers.
type Message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (n *Notifier) post(ctx context.Context, s subscriber, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(Message{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, evt.Type)
	req.Header.Set(HeaderDelivery, strconv.FormatInt(evt.ID, 10))
	if len(s.secret) > 0 {
		req.Header.Set(HeaderSignature, webhook.Sign(s.secret, data))
	}
	res, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter accepts exact types and "prefix.*" wildcards.
func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(typ string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[typ]; ok {
		return true
	}
	if i := strings.IndexByte(typ, '.'); i > 0 {
		_, ok := f.set[typ[:i]+".*"]
		return ok
	}
	return false
}
