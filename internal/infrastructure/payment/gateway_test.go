package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout-orchestrator/internal/domain"
)

func chargeReq() ChargeRequest {
	return ChargeRequest{
		OrderID:        uuid.New(),
		Amount:         decimal.RequireFromString("20.00"),
		IdempotencyKey: "key-1:1",
	}
}

func TestHTTPGateway_ChargeSucceeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/charges", r.URL.Path)
		assert.Equal(t, "key-1:1", r.Header.Get("Idempotency-Key"))

		var body chargeBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Amount.Equal(decimal.NewFromInt(20)))

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(chargeResponse{ID: "ch_1", Status: "succeeded"})
	}))
	defer server.Close()

	res := NewHTTPGateway(server.URL, time.Second).Charge(context.Background(), chargeReq())

	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "ch_1", res.Reference)
	assert.NoError(t, res.Err)
}

func TestHTTPGateway_ChargeDeclined(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(chargeResponse{ID: "ch_2", Status: "declined", Reason: "insufficient funds"})
	}))
	defer server.Close()

	res := NewHTTPGateway(server.URL, time.Second).Charge(context.Background(), chargeReq())

	assert.Equal(t, OutcomeDeclined, res.Outcome)
	assert.Equal(t, "insufficient funds", res.Reason)
}

func TestHTTPGateway_ChargeIndeterminate(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantErr: domain.ErrGateway,
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte("<html>nope</html>"))
			},
			wantErr: domain.ErrGateway,
		},
		{
			name: "unknown status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(chargeResponse{ID: "ch_3", Status: "processing"})
			},
			wantErr: domain.ErrGateway,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(300 * time.Millisecond)
				json.NewEncoder(w).Encode(chargeResponse{ID: "ch_4", Status: "succeeded"})
			},
			wantErr: domain.ErrGatewayTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			res := NewHTTPGateway(server.URL, 50*time.Millisecond).Charge(context.Background(), chargeReq())

			assert.Equal(t, OutcomeIndeterminate, res.Outcome)
			assert.ErrorIs(t, res.Err, tt.wantErr)
		})
	}
}

func TestHTTPGateway_ChargeUnreachableIsNotDeclined(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	res := NewHTTPGateway(url, time.Second).Charge(context.Background(), chargeReq())
	assert.Equal(t, OutcomeIndeterminate, res.Outcome)
}

func TestHTTPGateway_QueryStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/charges/ch_ok":
			json.NewEncoder(w).Encode(chargeResponse{ID: "ch_ok", Status: "succeeded"})
		case "/charges/key-1:2":
			json.NewEncoder(w).Encode(chargeResponse{ID: "ch_no", Status: "declined", Reason: "expired card"})
		case "/charges/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, time.Second)
	ctx := context.Background()

	st, err := gw.QueryStatus(ctx, "ch_ok")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, st.Status)

	st, err = gw.QueryStatus(ctx, "key-1:2")
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, st.Status)
	assert.Equal(t, "ch_no", st.Reference)

	st, err = gw.QueryStatus(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, st.Status)

	_, err = gw.QueryStatus(ctx, "broken")
	assert.ErrorIs(t, err, domain.ErrGateway)
}

func TestMockGateway_DeduplicatesByKey(t *testing.T) {
	gw := NewMockGateway(MockOptions{SuccessPct: 100})
	ctx := context.Background()
	req := chargeReq()

	first := gw.Charge(ctx, req)
	second := gw.Charge(ctx, req)

	assert.Equal(t, OutcomeSucceeded, first.Outcome)
	assert.Equal(t, first.Reference, second.Reference)
	assert.Equal(t, 1, gw.Charges())

	st, err := gw.QueryStatus(ctx, req.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, st.Status)
}

func TestMockGateway_Declined(t *testing.T) {
	gw := NewMockGateway(MockOptions{DeclinePct: 100})
	res := gw.Charge(context.Background(), chargeReq())

	assert.Equal(t, OutcomeDeclined, res.Outcome)
	assert.Equal(t, "card declined", res.Reason)
}

func TestMockGateway_PhantomCharge(t *testing.T) {
	gw := NewMockGateway(MockOptions{PhantomPct: 100, HangLatency: time.Millisecond})
	ctx := context.Background()
	req := chargeReq()

	res := gw.Charge(ctx, req)
	assert.Equal(t, OutcomeIndeterminate, res.Outcome)
	assert.ErrorIs(t, res.Err, domain.ErrGatewayTimeout)

	st, err := gw.QueryStatus(ctx, req.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, st.Status, "the charge went through even though the caller timed out")
}

func TestMockGateway_LostChargeHonoursContext(t *testing.T) {
	gw := NewMockGateway(MockOptions{HangLatency: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req := chargeReq()
	res := gw.Charge(ctx, req)
	assert.Equal(t, OutcomeIndeterminate, res.Outcome)
	assert.ErrorIs(t, res.Err, domain.ErrGatewayTimeout)

	st, err := gw.QueryStatus(context.Background(), req.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, st.Status)
	assert.Zero(t, gw.Charges())
}
