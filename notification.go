package vitalsguard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// Webhook payload formats.
const (
	WebhookFormatJSON  = "json"
	WebhookFormatSlack = "slack"
)

const defaultWebhookMessage = "vitalsguard rejected a request from {{source}}: {{reason}} at {{stage}}"

type WebhookConfig struct {
	URL     string            `yaml:"url" validate:"required,url"`
	Format  string            `yaml:"format" validate:"omitempty,oneof=json slack"`
	Message string            `yaml:"message"`
	Reasons []string          `yaml:"reasons"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// WebhookNotifier posts anomaly records to an HTTP endpoint. It is an
// AnomalySink and runs on the anomaly queue workers.
type WebhookNotifier struct {
	client  *fasthttp.Client
	cfg     WebhookConfig
	reasons map[Reason]struct{}
}

var _ AnomalySink = (*WebhookNotifier)(nil)

func NewWebhookNotifier(cfg WebhookConfig, client *fasthttp.Client) *WebhookNotifier {
	if cfg.Format == "" {
		cfg.Format = WebhookFormatJSON
	}
	if cfg.Message == "" {
		cfg.Message = defaultWebhookMessage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &fasthttp.Client{Name: "vitalsguard-notifier/1.0"}
	}
	n := &WebhookNotifier{client: client, cfg: cfg}
	if len(cfg.Reasons) > 0 {
		n.reasons = make(map[Reason]struct{}, len(cfg.Reasons))
		for _, r := range cfg.Reasons {
			n.reasons[Reason(r)] = struct{}{}
		}
	}
	return n
}

func (n *WebhookNotifier) Name() string { return "webhook" }

// Wants reports whether rec matches the notifier's reason filter.
func (n *WebhookNotifier) Wants(rec AnomalyRecord) bool {
	if n.reasons == nil {
		return true
	}
	_, ok := n.reasons[rec.Reason]
	return ok
}

func (n *WebhookNotifier) WriteAnomaly(ctx context.Context, rec AnomalyRecord) error {
	if !n.Wants(rec) {
		return nil
	}
	body, err := n.body(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(n.cfg.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	for k, v := range n.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.SetBody(body)

	deadline := time.Now().Add(n.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := n.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("webhook returned non-2xx status code: %d", code)
	}
	return nil
}

func (n *WebhookNotifier) body(rec AnomalyRecord) ([]byte, error) {
	message := renderMessage(n.cfg.Message, rec)
	if n.cfg.Format == WebhookFormatSlack {
		return json.Marshal(map[string]string{"text": message})
	}
	return json.Marshal(map[string]any{
		"id":        rec.ID,
		"message":   message,
		"source":    rec.Source,
		"tenantId":  rec.TenantID,
		"patientId": rec.PatientID,
		"reason":    rec.Reason,
		"stage":     rec.Stage,
		"detail":    rec.Detail,
		"timestamp": rec.Time.Format(time.RFC3339),
	})
}

// renderMessage replaces placeholders in a template with record values
func renderMessage(template string, rec AnomalyRecord) string {
	return strings.NewReplacer(
		"{{id}}", rec.ID,
		"{{source}}", rec.Source,
		"{{tenantId}}", rec.TenantID,
		"{{patientId}}", rec.PatientID,
		"{{reason}}", string(rec.Reason),
		"{{stage}}", string(rec.Stage),
		"{{detail}}", rec.Detail,
		"{{timestamp}}", rec.Time.Format(time.RFC3339),
	).Replace(template)
}
