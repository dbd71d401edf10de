package vitalsguard

import (
	"bytes"
	"context"
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
)

// Request headers understood by the ingest route.
const (
	HeaderAPIKey    = "apikey"
	HeaderSignature = "X-Signature"
	HeaderAdmin     = "X-Admin-Token"
)

// HealthChecker is a named dependency probe for /healthz.
type HealthChecker struct {
	Name  string
	Check func(ctx context.Context) error
}

// AnomalyQuerier reads persisted anomalies.
type AnomalyQuerier interface {
	ListAnomalies(ctx context.Context, f AnomalyFilter) ([]AnomalyRecord, error)
}

type HandlerOptions struct {
	Gateway       *Gateway
	ClientIPs     *ClientIPResolver
	ExposeReasons bool
	AdminToken    string
	Ledger        *AnomalyLedger
	Store         AnomalyQuerier
	Checks        []HealthChecker
	Now           func() time.Time
}

// Handler adapts HTTP requests to gateway evaluations.
type Handler struct {
	gateway       *Gateway
	ips           *ClientIPResolver
	exposeReasons bool
	adminToken    string
	ledger        *AnomalyLedger
	store         AnomalyQuerier
	checks        []HealthChecker
	now           func() time.Time
}

func NewHandler(opts HandlerOptions) *Handler {
	h := &Handler{
		gateway:       opts.Gateway,
		ips:           opts.ClientIPs,
		exposeReasons: opts.ExposeReasons,
		adminToken:    opts.AdminToken,
		ledger:        opts.Ledger,
		store:         opts.Store,
		checks:        opts.Checks,
		now:           opts.Now,
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.ledger == nil && h.gateway != nil {
		h.ledger = h.gateway.Anomalies().Ledger()
	}
	return h
}

// Ingest evaluates one vitals message.
func (h *Handler) Ingest(c fiber.Ctx) error {
	req := &Request{
		Body:       bytes.Clone(c.Body()),
		Signature:  c.Get(HeaderSignature),
		APIKey:     apiKeyFrom(c),
		SourceIP:   h.ips.Resolve(c.IP(), c.Get("X-Real-IP"), c.Get("X-Forwarded-For")),
		ReceivedAt: h.now(),
	}
	v := h.gateway.Evaluate(c.Context(), req)
	setRateHeaders(c, v.Decision)

	if v.Accepted() {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": true, "id": v.ID})
	}
	if v.Reason == ReasonRateExceeded {
		retry := int(math.Ceil(v.Decision.RetryAfter(h.now()).Seconds()))
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(max(retry, 1)))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":  "too many requests",
			"reason": string(ReasonRateExceeded),
		})
	}
	reason := "rejected"
	if h.exposeReasons {
		reason = string(v.Reason)
	}
	return c.Status(v.Reason.StatusCode()).JSON(fiber.Map{"error": "forbidden", "reason": reason})
}

func apiKeyFrom(c fiber.Ctx) string {
	if k := c.Get(HeaderAPIKey); k != "" {
		return strings.TrimSpace(k)
	}
	if token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func setRateHeaders(c fiber.Ctx, d Decision) {
	if d.Limit <= 0 {
		return
	}
	c.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		c.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// Health probes every registered dependency.
func (h *Handler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	status := fiber.StatusOK
	checks := make(map[string]string, len(h.checks))
	for _, chk := range h.checks {
		if err := chk.Check(ctx); err != nil {
			checks[chk.Name] = err.Error()
			status = fiber.StatusServiceUnavailable
			continue
		}
		checks[chk.Name] = "ok"
	}
	state := "ok"
	if status != fiber.StatusOK {
		state = "degraded"
	}
	body := fiber.Map{"status": state, "checks": checks}
	if h.gateway != nil {
		body["mode"] = h.gateway.Mode()
	}
	return c.Status(status).JSON(body)
}

// Anomalies serves the recent anomaly feed to operators.
func (h *Handler) Anomalies(c fiber.Ctx) error {
	if !h.authorizedAdmin(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}
	limit := 100
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be a positive integer"})
		}
		limit = min(n, 1000)
	}
	var reason Reason
	if s := c.Query("reason"); s != "" {
		r, err := ParseReason(s)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		reason = r
	}

	var records []AnomalyRecord
	if c.Query("source") == "store" {
		if h.store == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no anomaly store configured"})
		}
		var since time.Time
		if s := c.Query("since"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "since must be RFC 3339"})
			}
			since = t
		}
		recs, err := h.store.ListAnomalies(c.Context(), AnomalyFilter{Reason: reason, Since: since, Limit: limit})
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		records = recs
	} else if h.ledger != nil {
		for _, rec := range h.ledger.Snapshot(0) {
			if reason != ReasonNone && rec.Reason != reason {
				continue
			}
			records = append(records, rec)
			if len(records) == limit {
				break
			}
		}
	}
	if records == nil {
		records = []AnomalyRecord{}
	}

	body := fiber.Map{"anomalies": records}
	if h.ledger != nil {
		body["summary"] = h.ledger.Summary()
	}
	return c.Status(fiber.StatusOK).JSON(body)
}

func (h *Handler) authorizedAdmin(c fiber.Ctx) bool {
	if h.adminToken == "" {
		return false
	}
	token := c.Get(HeaderAdmin)
	if token == "" {
		token, _ = strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

// errorHandler renders unhandled errors as JSON.
func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	msg := http.StatusText(code)
	if code < 500 {
		msg = err.Error()
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}
