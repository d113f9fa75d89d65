package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stegops/internal/config"
	"stegops/internal/domain"
	"stegops/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	defaultWebhookRetries  = 2
	defaultWebhookRetryGap = 500 * time.Millisecond
)

// WebhookDispatcher forwards journal events to configured downstream
// endpoints. Delivery cursors live in the journal so a restart resumes
// where the previous process stopped.
type WebhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.Webhook
	client   *http.Client
	log      zerolog.Logger
	interval time.Duration
	retryGap time.Duration
	retries  uint64
	now      func() time.Time
}

// NewWebhookDispatcher returns nil when there is nothing to deliver or no
// journal to read from.
func NewWebhookDispatcher(r repo.Repo, hooks []config.Webhook, log zerolog.Logger) *WebhookDispatcher {
	if r.DB == nil {
		return nil
	}
	var active []config.Webhook
	for i, hook := range hooks {
		if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if strings.TrimSpace(hook.ID) == "" {
			hook.ID = fmt.Sprintf("webhook-%d", i)
		}
		active = append(active, hook)
	}
	if len(active) == 0 {
		return nil
	}
	return &WebhookDispatcher{
		repo:     r,
		webhooks: active,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log.With().Str("component", "webhooks").Logger(),
		interval: defaultWebhookInterval,
		retryGap: defaultWebhookRetryGap,
		retries:  defaultWebhookRetries,
		now:      time.Now,
	}
}

// Run delivers until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll makes one delivery pass over every webhook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.webhooks {
		if ctx.Err() != nil {
			return
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.Webhook) {
	log := d.log.With().Str("webhook_id", hook.ID).Logger()
	cursor, err := d.cursorFor(ctx, hook)
	if err != nil {
		log.Error().Err(err).Msg("webhook_cursor_failed")
		return
	}
	events, err := d.repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		log.Error().Err(err).Msg("webhook_fetch_failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if filter.match(evt.Type) {
			if err := d.deliver(ctx, hook, evt); err != nil {
				log.Warn().Err(err).Int64("event_id", evt.ID).Str("url", hook.URL).Msg("webhook_delivery_failed")
				return
			}
			log.Debug().Int64("event_id", evt.ID).Str("type", evt.Type).Msg("webhook_delivered")
		}
		if err := d.repo.SetWebhookCursor(ctx, hook.ID, evt.ID, d.now().UTC().Format(time.RFC3339)); err != nil {
			log.Error().Err(err).Msg("webhook_cursor_failed")
			return
		}
	}
}

// cursorFor starts new webhooks at the current end of the journal.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, hook config.Webhook) (int64, error) {
	cur, err := d.repo.WebhookCursor(ctx, hook.ID)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	cur, err = d.repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	if err := d.repo.SetWebhookCursor(ctx, hook.ID, cur, d.now().UTC().Format(time.RFC3339)); err != nil {
		return 0, err
	}
	return cur, nil
}

type webhookEvent struct {
	ID           int64           `json:"id"`
	Type         string          `json:"type"`
	EngagementID int             `json:"engagement_id"`
	ActorID      string          `json:"actor_id"`
	RunID        string          `json:"run_id,omitempty"`
	TS           string          `json:"ts"`
	Payload      json.RawMessage `json:"payload"`
	PayloadRaw   string          `json:"payload_raw,omitempty"`
}

// deliver posts evt, retrying transport errors and 5xx responses.
func (d *WebhookDispatcher) deliver(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.PayloadJSON != "" {
		if json.Valid([]byte(evt.PayloadJSON)) {
			payload = json.RawMessage([]byte(evt.PayloadJSON))
		} else {
			raw = evt.PayloadJSON
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:           evt.ID,
		Type:         evt.Type,
		EngagementID: evt.EngagementID,
		ActorID:      evt.ActorID,
		RunID:        evt.RunID,
		TS:           evt.TS,
		Payload:      payload,
		PayloadRaw:   raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	delivery := uuid.NewString()
	op := func() error {
		return d.post(ctx, client, hook, evt, delivery, data)
	}
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(d.retryGap), d.retries)
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (d *WebhookDispatcher) post(ctx context.Context, client *http.Client, hook config.Webhook, evt domain.Event, delivery string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-StegOps-Event", evt.Type)
	req.Header.Set("X-StegOps-Event-Id", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-StegOps-Delivery", delivery)
	req.Header.Set("X-StegOps-Engagement", fmt.Sprintf("%d", evt.EngagementID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-StegOps-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	if res.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	return err
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
