package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"checkout-orchestrator/internal/domain"
	"checkout-orchestrator/internal/service"
)

type checkoutItem struct {
	ProductID string          `json:"productId" binding:"required"`
	Quantity  int             `json:"quantity" binding:"gt=0"`
	Price     decimal.Decimal `json:"price"`
}

type checkoutBody struct {
	Items          []checkoutItem `json:"items" binding:"required,min=1,dive"`
	IdempotencyKey string         `json:"idempotencyKey" binding:"max=255"`
}

type checkoutResponse struct {
	OrderID  uuid.UUID `json:"orderId"`
	Status   string    `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	Replayed bool      `json:"replayed,omitempty"`
	Total    string    `json:"total,omitempty"`
}

type itemResponse struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
	Subtotal  string `json:"subtotal"`
}

type orderResponse struct {
	ID             uuid.UUID      `json:"id"`
	UserID         string         `json:"userId"`
	Status         string         `json:"status"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Total          string         `json:"total"`
	Items          []itemResponse `json:"items"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// apiStatus is the lower-case status name used on the wire.
func apiStatus(s domain.OrderStatus) string {
	switch s {
	case domain.OrderPaid:
		return "paid"
	case domain.OrderPaymentFailed:
		return "payment_failed"
	case domain.OrderAwaitingPayment:
		return "awaiting_payment"
	case domain.OrderCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

func checkoutStatusCode(s domain.OrderStatus) int {
	switch s {
	case domain.OrderPaid:
		return http.StatusCreated
	case domain.OrderPaymentFailed:
		return http.StatusBadRequest
	case domain.OrderCancelled:
		return http.StatusConflict
	default:
		return http.StatusAccepted
	}
}

func toOrderResponse(o *domain.Order) orderResponse {
	items := make([]itemResponse, len(o.Items))
	for i, it := range o.Items {
		items[i] = itemResponse{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Price:     it.UnitPrice.StringFixed(2),
			Subtotal:  it.Subtotal().StringFixed(2),
		}
	}
	return orderResponse{
		ID:             o.ID,
		UserID:         o.UserID,
		Status:         apiStatus(o.Status),
		IdempotencyKey: o.IdempotencyKey,
		Total:          o.Total().StringFixed(2),
		Items:          items,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

func (s *Server) checkoutHandler(c *gin.Context) {
	var body checkoutBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, fromBindError(err))
		return
	}

	key := body.IdempotencyKey
	if h := c.GetHeader(HeaderIdempotencyKey); h != "" {
		if key != "" && key != h {
			fail(c, &fieldError{fields: map[string]string{
				"idempotencyKey": "does not match the " + HeaderIdempotencyKey + " header",
			}})
			return
		}
		key = h
	}

	items := make([]domain.LineItem, len(body.Items))
	for i, it := range body.Items {
		items[i] = domain.LineItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.Price}
	}

	res, err := s.checkout.Checkout(c.Request.Context(), service.CheckoutRequest{
		UserID:         userID(c),
		Items:          items,
		IdempotencyKey: key,
	})
	if err != nil {
		fail(c, err)
		return
	}

	resp := checkoutResponse{
		OrderID:  res.OrderID,
		Status:   apiStatus(res.Status),
		Reason:   res.Reason,
		Replayed: res.Replayed,
	}
	if res.Order != nil {
		resp.Total = res.Order.Total().StringFixed(2)
	}
	c.JSON(checkoutStatusCode(res.Status), resp)
}

func (s *Server) getOrderHandler(c *gin.Context) {
	order, ok := s.ownedOrder(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

func (s *Server) cancelHandler(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		fail(c, fmt.Errorf("order %q: %w", c.Param("id"), domain.ErrNotFound))
		return
	}
	order, err := s.checkout.Cancel(c.Request.Context(), id, userID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

// ownedOrder loads the order named in the path; other users' orders are reported as missing.
func (s *Server) ownedOrder(c *gin.Context) (*domain.Order, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		fail(c, fmt.Errorf("order %q: %w", c.Param("id"), domain.ErrNotFound))
		return nil, false
	}
	order, err := s.checkout.GetOrder(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return nil, false
	}
	if order.UserID != userID(c) {
		fail(c, fmt.Errorf("order %s: %w", id, domain.ErrNotFound))
		return nil, false
	}
	return order, true
}

func (s *Server) healthHandler(c *gin.Context) {
	stats := s.db.Health(c.Request.Context())
	code := http.StatusOK
	if stats["status"] != "up" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, stats)
}
