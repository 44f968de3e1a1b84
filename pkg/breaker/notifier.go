package breaker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// IncidentNotifier is informed when a breaker trips or resolves. Callers
// invoke it fire-and-forget: implementations may block briefly but their
// failures are logged, never propagated.
type IncidentNotifier interface {
	NotifyTrip(ctx context.Context, state State, cause TripCause)
	NotifyResolve(ctx context.Context, state State)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) NotifyTrip(context.Context, State, TripCause) {}
func (NopNotifier) NotifyResolve(context.Context, State)         {}

// HTTPNotifier posts trip/resolve events to an incident-tracking endpoint
// with bounded retries, exponential backoff with jitter, and a rate limit
// so a flapping breaker cannot flood the tracker.
type HTTPNotifier struct {
	endpoint   string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries int
	logger     *slog.Logger
}

// NewHTTPNotifier creates a notifier for the given incident endpoint.
func NewHTTPNotifier(endpoint string, logger *slog.Logger) *HTTPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPNotifier{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: 5 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 10),
		maxRetries: 3,
		logger:     logger.With("component", "incident-notifier"),
	}
}

type incidentPayload struct {
	Kind      string    `json:"kind"` // "trip" | "resolve"
	TargetID  string    `json:"target_id"`
	State     string    `json:"state"`
	Cause     string    `json:"cause,omitempty"`
	Failures  int       `json:"failure_count"`
	Timestamp time.Time `json:"timestamp"`
}

func (n *HTTPNotifier) NotifyTrip(ctx context.Context, state State, cause TripCause) {
	n.post(ctx, incidentPayload{
		Kind: "trip", TargetID: state.TargetID, State: string(state.State),
		Cause: string(cause), Failures: state.FailureCount, Timestamp: time.Now().UTC(),
	})
}

func (n *HTTPNotifier) NotifyResolve(ctx context.Context, state State) {
	n.post(ctx, incidentPayload{
		Kind: "resolve", TargetID: state.TargetID, State: string(state.State),
		Timestamp: time.Now().UTC(),
	})
}

func (n *HTTPNotifier) post(ctx context.Context, payload incidentPayload) {
	if !n.limiter.Allow() {
		n.logger.Warn("incident notification dropped by rate limit",
			"target_id", payload.TargetID, "kind", payload.Kind)
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("incident payload marshal failed", "error", err)
		return
	}

	for i := 0; i <= n.maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
		if err != nil {
			n.logger.Error("incident request build failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			_ = resp.Body.Close()
			return
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		if i == n.maxRetries {
			break
		}

		// backoff: base * 2^i + jitter
		backoff := time.Duration(math.Pow(2, float64(i))) * 100 * time.Millisecond
		jitter := time.Duration(0)
		if j, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
			jitter = time.Duration(j.Int64()) * time.Millisecond
		}
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			n.logger.Warn("incident notification abandoned", "target_id", payload.TargetID)
			return
		}
	}
	n.logger.Warn(fmt.Sprintf("incident notification failed after %d retries", n.maxRetries),
		"target_id", payload.TargetID, "kind", payload.Kind)
}
