package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrelhq/belfry/internal/circuitbreaker"
)

// Delivery is the transport-facing view of one outbox message.
type Delivery struct {
	MessageID  uuid.UUID       `json:"message_id"`
	TenantID   *uuid.UUID      `json:"tenant_id,omitempty"`
	TemplateID string          `json:"template_id"`
	Recipient  string          `json:"recipient"`
	Payload    json.RawMessage `json:"payload"`
}

// Transport delivers one message to its recipient. Implementations either
// complete successfully or return an error describing the failure; the
// worker owns all retry bookkeeping.
type Transport interface {
	Send(ctx context.Context, d *Delivery) error
	Name() string
}

// LogTransport is the no-endpoint fallback: every delivery is treated as a
// successful "logged" send. No network call is made, but messages still move
// to Sent, which keeps local and offline environments fully functional.
type LogTransport struct {
	logger *zap.Logger
}

// NewLogTransport creates the logging transport.
func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(ctx context.Context, d *Delivery) error {
	t.logger.Info("logging delivery (no transport endpoint configured)",
		zap.String("message_id", d.MessageID.String()),
		zap.String("template_id", d.TemplateID),
		zap.String("recipient", d.Recipient),
		zap.Any("payload", d.Payload),
	)
	return nil
}

func (t *LogTransport) Name() string {
	return "log"
}

// HTTPConfig configures the HTTP delivery transport.
type HTTPConfig struct {
	Endpoint  string
	AuthToken string
	Timeout   time.Duration
}

// HTTPTransport POSTs deliveries to a configured notification endpoint.
type HTTPTransport struct {
	client   *http.Client
	endpoint string
	token    string
	logger   *zap.Logger
}

// NewHTTPTransport creates an HTTP transport for the given endpoint.
func NewHTTPTransport(cfg HTTPConfig, logger *zap.Logger) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &HTTPTransport{
		client:   &http.Client{Timeout: timeout},
		endpoint: cfg.Endpoint,
		token:    cfg.AuthToken,
		logger:   logger,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, d *Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create delivery request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Belfry/1.0")
	req.Header.Set("X-Belfry-Message-ID", d.MessageID.String())
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delivery endpoint returned status %d: %s", resp.StatusCode, string(preview))
	}

	t.logger.Info("delivery accepted by endpoint",
		zap.String("message_id", d.MessageID.String()),
		zap.String("recipient", d.Recipient),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

func (t *HTTPTransport) Name() string {
	return "http"
}

// BreakerTransport wraps a Transport with a circuit breaker so a dead
// downstream fails fast instead of costing a full timeout per message. A
// rejected send surfaces as an ordinary transport error and goes through the
// worker's normal retry path.
type BreakerTransport struct {
	transport Transport
	breaker   *circuitbreaker.CircuitBreaker
	logger    *zap.Logger
}

// NewBreakerTransport wraps transport with breaker protection.
func NewBreakerTransport(transport Transport, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *BreakerTransport {
	return &BreakerTransport{
		transport: transport,
		breaker:   breaker,
		logger:    logger,
	}
}

func (t *BreakerTransport) Send(ctx context.Context, d *Delivery) error {
	if !t.breaker.Allow() {
		t.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", t.breaker.Name()),
			zap.String("message_id", d.MessageID.String()),
			zap.String("state", t.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s transport unavailable", circuitbreaker.ErrOpen, t.breaker.Name())
	}

	if err := t.transport.Send(ctx, d); err != nil {
		t.breaker.RecordFailure()
		return err
	}

	t.breaker.RecordSuccess()
	return nil
}

func (t *BreakerTransport) Name() string {
	return t.transport.Name()
}
