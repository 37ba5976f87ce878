package hitl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/governd/cgr/pkg/resiliency"
)

// NotificationMessage is the provider-agnostic notification payload.
type NotificationMessage struct {
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Priority    Priority          `json:"priority"`
	RequestID   string            `json:"request_id"`
	ApprovalURL string            `json:"approval_url"`
	TenantID    string            `json:"tenant_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Provider is a notification channel plugin.
type Provider interface {
	Name() string
	IsConfigured() bool
	Send(ctx context.Context, msg NotificationMessage) error
	Close() error
}

// httpDoer lets tests substitute the HTTP client.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func postJSON(ctx context.Context, client httpDoer, url string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("hitl: encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("hitl: notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// SlackProvider posts to a Slack incoming webhook.
type SlackProvider struct {
	WebhookURL string
	Client     httpDoer
}

func (p *SlackProvider) Name() string       { return "slack" }
func (p *SlackProvider) IsConfigured() bool { return p.WebhookURL != "" }
func (p *SlackProvider) Close() error       { return nil }

func (p *SlackProvider) Send(ctx context.Context, msg NotificationMessage) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	text := fmt.Sprintf("*%s*\n%s\nPriority: %s\n<%s|Review approval %s>",
		msg.Title, msg.Message, msg.Priority, msg.ApprovalURL, msg.RequestID)
	return postJSON(ctx, client, p.WebhookURL, map[string]string{"text": text})
}

// TeamsProvider posts a MessageCard to a Teams incoming webhook.
type TeamsProvider struct {
	WebhookURL string
	Client     httpDoer
}

func (p *TeamsProvider) Name() string       { return "teams" }
func (p *TeamsProvider) IsConfigured() bool { return p.WebhookURL != "" }
func (p *TeamsProvider) Close() error       { return nil }

func (p *TeamsProvider) Send(ctx context.Context, msg NotificationMessage) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	card := map[string]interface{}{
		"@type":    "MessageCard",
		"@context": "http://schema.org/extensions",
		"title":    msg.Title,
		"text":     fmt.Sprintf("%s (priority: %s)", msg.Message, msg.Priority),
		"potentialAction": []map[string]interface{}{{
			"@type":   "OpenUri",
			"name":    "Review approval",
			"targets": []map[string]string{{"os": "default", "uri": msg.ApprovalURL}},
		}},
	}
	return postJSON(ctx, client, p.WebhookURL, card)
}

// pagerDutyEventsURL is the PagerDuty Events API v2 endpoint.
const pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

// PagerDutyProvider triggers an incident via the Events API.
type PagerDutyProvider struct {
	RoutingKey string
	Client     httpDoer
	URL        string // test override; defaults to the Events API
}

func (p *PagerDutyProvider) Name() string       { return "pagerduty" }
func (p *PagerDutyProvider) IsConfigured() bool { return p.RoutingKey != "" }
func (p *PagerDutyProvider) Close() error       { return nil }

func (p *PagerDutyProvider) Send(ctx context.Context, msg NotificationMessage) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := p.URL
	if url == "" {
		url = pagerDutyEventsURL
	}
	severity := "warning"
	if msg.Priority == PriorityCritical {
		severity = "critical"
	}
	event := map[string]interface{}{
		"routing_key":  p.RoutingKey,
		"event_action": "trigger",
		"dedup_key":    "hitl-" + msg.RequestID,
		"payload": map[string]interface{}{
			"summary":  fmt.Sprintf("%s: %s", msg.Title, msg.Message),
			"source":   "governance-runtime",
			"severity": severity,
			"custom_details": map[string]string{
				"request_id":   msg.RequestID,
				"tenant_id":    msg.TenantID,
				"approval_url": msg.ApprovalURL,
			},
		},
	}
	return postJSON(ctx, client, url, event)
}

// Orchestrator fans notifications out to the providers selected by
// priority: non-critical requests reach slack and teams, high and
// critical additionally reach pagerduty. Provider failures are isolated;
// the aggregated result is logged, not returned.
type Orchestrator struct {
	providers []Provider
	retry     resiliency.RetryConfig
	logger    *slog.Logger
}

// NewOrchestrator registers providers explicitly.
func NewOrchestrator(providers []Provider, retry resiliency.RetryConfig) *Orchestrator {
	if retry.MaxAttempts <= 0 {
		retry = resiliency.DefaultRetryConfig()
	}
	return &Orchestrator{
		providers: providers,
		retry:     retry,
		logger:    slog.Default().With("component", "hitl_notify"),
	}
}

// selectProviders filters registered providers by priority and
// configuration state.
func (o *Orchestrator) selectProviders(priority Priority) []Provider {
	paging := priority == PriorityHigh || priority == PriorityCritical
	var out []Provider
	for _, p := range o.providers {
		if !p.IsConfigured() {
			continue
		}
		if p.Name() == "pagerduty" && !paging {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Notify dispatches to all selected providers concurrently with bounded
// retries and waits for completion.
func (o *Orchestrator) Notify(ctx context.Context, msg NotificationMessage) {
	selected := o.selectProviders(msg.Priority)
	if len(selected) == 0 {
		o.logger.Debug("no configured notification providers", "request_id", msg.RequestID)
		return
	}

	results := make(map[string]bool, len(selected))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range selected {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			err := resiliency.Retry(ctx, o.retry, func(ctx context.Context) error {
				return p.Send(ctx, msg)
			})
			mu.Lock()
			results[p.Name()] = err == nil
			mu.Unlock()
			if err != nil {
				o.logger.Warn("notification provider failed",
					"provider", p.Name(), "request_id", msg.RequestID, "error", err)
			}
		}(p)
	}
	wg.Wait()

	o.logger.Info("notification fan-out complete",
		"request_id", msg.RequestID, "priority", msg.Priority, "results", results)
}

// Close releases all providers.
func (o *Orchestrator) Close() error {
	var firstErr error
	for _, p := range o.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// resolutionTitle builds the terminal-transition notification title.
func resolutionTitle(status Status, requestID string) string {
	return fmt.Sprintf("Approval %s %s", requestID, status)
}
