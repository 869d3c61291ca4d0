// Package payments is the engine's view of the payment gateway: the one
// capability it needs is reversing a captured charge.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/ticket-engine/generic"
	"github.com/warp/ticket-engine/logging"
)

// ChargeReverser reverses (part of) a captured payment. Implementations must
// treat idempotencyKey as the deduplication id: the same key never reverses
// twice.
type ChargeReverser interface {
	ReverseCharge(ctx context.Context, paymentID string, amount generic.Money, idempotencyKey string) (externalRefundID string, err error)
}

// ReverserFunc adapts a function to ChargeReverser.
type ReverserFunc func(ctx context.Context, paymentID string, amount generic.Money, idempotencyKey string) (string, error)

func (f ReverserFunc) ReverseCharge(ctx context.Context, paymentID string, amount generic.Money, idempotencyKey string) (string, error) {
	return f(ctx, paymentID, amount, idempotencyKey)
}

// =============================================================================
// HTTP GATEWAY CLIENT
// =============================================================================

type refundRequest struct {
	PaymentID      string        `json:"payment_id"`
	Amount         generic.Money `json:"amount"`
	IdempotencyKey string        `json:"idempotency_key"`
}

type refundResponse struct {
	RefundID string `json:"refund_id"`
}

type GatewayClient struct {
	baseURL string
	hc      *http.Client
	logger  logrus.FieldLogger
}

func NewGatewayClient(baseURL string, hc *http.Client, logger logrus.FieldLogger) *GatewayClient {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &GatewayClient{baseURL: strings.TrimRight(baseURL, "/"), hc: hc, logger: logger}
}

// ReverseCharge POSTs {base}/refunds. Any non-2xx answer is an error.
func (c *GatewayClient) ReverseCharge(ctx context.Context, paymentID string, amount generic.Money, idempotencyKey string) (string, error) {
	body, err := json.Marshal(refundRequest{PaymentID: paymentID, Amount: amount, IdempotencyKey: idempotencyKey})
	if err != nil {
		return "", fmt.Errorf("encoding refund request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/refunds", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building refund request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if id := logging.CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set("Correlation-ID", id)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending refund request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading refund response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.WithFields(logrus.Fields{
			"payment_id": paymentID,
			"status":     resp.StatusCode,
		}).Error("gateway refused refund")
		return "", fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out refundResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decoding refund response: %w", err)
	}
	if out.RefundID == "" {
		return "", fmt.Errorf("gateway returned no refund id")
	}
	return out.RefundID, nil
}
