package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"checkout-orchestrator/internal/domain"
)

type chargeBody struct {
	OrderID string          `json:"orderId"`
	Amount  decimal.Decimal `json:"amount"`
}

type chargeResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type httpGateway struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGateway talks JSON to a gateway at baseURL. timeout bounds every call.
func NewHTTPGateway(baseURL string, timeout time.Duration) PaymentGateway {
	return &httpGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *httpGateway) Charge(ctx context.Context, req ChargeRequest) ChargeResult {
	body, err := json.Marshal(chargeBody{OrderID: req.OrderID.String(), Amount: req.Amount})
	if err != nil {
		return Indeterminate(fmt.Errorf("%w: marshal charge: %w", domain.ErrGateway, err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return Indeterminate(fmt.Errorf("%w: build request: %w", domain.ErrGateway, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Indeterminate(transportErr(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Indeterminate(transportErr(err))
	}

	var cr chargeResponse
	decodeErr := json.Unmarshal(raw, &cr)

	switch {
	case resp.StatusCode >= 500:
		return Indeterminate(fmt.Errorf("%w: status %d: %s", domain.ErrGateway, resp.StatusCode, string(raw)))
	case decodeErr != nil:
		return Indeterminate(fmt.Errorf("%w: undecodable response (status %d): %w", domain.ErrGateway, resp.StatusCode, decodeErr))
	case cr.Status == string(StatusSucceeded) && resp.StatusCode < 300:
		return Succeeded(cr.ID)
	case cr.Status == string(StatusDeclined):
		return Declined(cr.ID, cr.Reason)
	default:
		return Indeterminate(fmt.Errorf("%w: ambiguous response status %d %q", domain.ErrGateway, resp.StatusCode, cr.Status))
	}
}

func (g *httpGateway) QueryStatus(ctx context.Context, ref string) (StatusResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/charges/"+url.PathEscape(ref), nil)
	if err != nil {
		return StatusResult{}, fmt.Errorf("%w: build request: %w", domain.ErrGateway, err)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return StatusResult{}, transportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return StatusResult{Status: StatusUnknown}, nil
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return StatusResult{}, fmt.Errorf("%w: query status %d: %s", domain.ErrGateway, resp.StatusCode, string(raw))
	}

	var cr chargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return StatusResult{}, fmt.Errorf("%w: decode status: %w", domain.ErrGateway, err)
	}

	switch Status(cr.Status) {
	case StatusSucceeded, StatusDeclined:
		return StatusResult{Status: Status(cr.Status), Reference: cr.ID, Reason: cr.Reason}, nil
	default:
		return StatusResult{Status: StatusUnknown, Reference: cr.ID}, nil
	}
}

func transportErr(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", domain.ErrGatewayTimeout, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrGateway, err)
}
