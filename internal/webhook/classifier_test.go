package webhook

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditflow/internal/domain"
)

func notification(eventType, orderID, amount string) []byte {
	return []byte(`{
		"id": "WH-1",
		"event_type": "` + eventType + `",
		"create_time": "2025-01-02T03:04:05Z",
		"resource": {
			"id": "CAP-1",
			"amount": {"value": "` + amount + `", "currency_code": "USD"},
			"supplementary_data": {"related_ids": {"order_id": "` + orderID + `"}}
		}
	}`)
}

func TestPayPalClassifier_KnownEvents(t *testing.T) {
	tests := []struct {
		eventType string
		want      domain.EventKind
	}{
		{domain.PayPalCaptureCompleted, domain.EventKindPaymentCompleted},
		{domain.PayPalCaptureRefunded, domain.EventKindPaymentRefunded},
		{domain.PayPalCaptureDenied, domain.EventKindPaymentDenied},
		{domain.PayPalCaptureDeclined, domain.EventKindPaymentDenied},
	}

	c := NewPayPalClassifier()
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			ev, err := c.Classify(notification(tt.eventType, "ORD-1", "9.99"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Kind)
			assert.Equal(t, "ORD-1", ev.OrderID)
			assert.Equal(t, "WH-1", ev.EventID)
			assert.Equal(t, "CAP-1", ev.ResourceID)
			assert.Equal(t, "2025-01-02T03:04:05Z", ev.CreateTime)
			require.True(t, ev.Amount.Valid)
			assert.True(t, ev.Amount.Decimal.Equal(decimal.RequireFromString("9.99")))
			assert.Equal(t, "USD", ev.Currency)
		})
	}
}

func TestPayPalClassifier_UnknownEventIsNotAnError(t *testing.T) {
	ev, err := NewPayPalClassifier().Classify(notification("CHECKOUT.ORDER.APPROVED", "", "1.00"))
	require.NoError(t, err)
	assert.Equal(t, domain.EventKindUnrecognized, ev.Kind)
	assert.Equal(t, "CHECKOUT.ORDER.APPROVED", ev.EventType)
}

func TestPayPalClassifier_MissingOrderID(t *testing.T) {
	ev, err := NewPayPalClassifier().Classify(notification(domain.PayPalCaptureCompleted, "  ", "1.00"))
	assert.ErrorIs(t, err, domain.ErrMissingOrderID)
	require.NotNil(t, ev)
	assert.Equal(t, domain.PayPalCaptureCompleted, ev.EventType)
}

func TestPayPalClassifier_Malformed(t *testing.T) {
	c := NewPayPalClassifier()

	_, err := c.Classify([]byte(`{not json`))
	assert.ErrorIs(t, err, domain.ErrMalformedEvent)

	_, err = c.Classify([]byte(`{"id":"WH-1","resource":{}}`))
	assert.ErrorIs(t, err, domain.ErrMalformedEvent)

	ev, err := c.Classify(notification(domain.PayPalCaptureRefunded, "ORD-1", "ten"))
	assert.ErrorIs(t, err, domain.ErrMalformedEvent)
	require.NotNil(t, ev)
	assert.Equal(t, "ORD-1", ev.OrderID)
}

func TestPayPalClassifier_AmountMustFitLedgerPrecision(t *testing.T) {
	c := NewPayPalClassifier()

	for _, value := range []string{"1.234", "10000000000000000", "-10000000000000000.00"} {
		ev, err := c.Classify(notification(domain.PayPalCaptureCompleted, "ORD-1", value))
		assert.ErrorIs(t, err, domain.ErrMalformedEvent, value)
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, value)
		require.NotNil(t, ev)
		assert.False(t, ev.Amount.Valid, value)
		assert.Equal(t, domain.EventKindPaymentCompleted, ev.Kind, value)
	}

	for _, value := range []string{"1.50", "1.500", "9999999999999999.99"} {
		_, err := c.Classify(notification(domain.PayPalCaptureCompleted, "ORD-1", value))
		assert.NoError(t, err, value)
	}
}

func TestPayPalClassifier_AmountIsOptional(t *testing.T) {
	ev, err := NewPayPalClassifier().Classify([]byte(`{
		"id": "WH-2",
		"event_type": "PAYMENT.CAPTURE.DENIED",
		"resource": {"id": "CAP-2", "supplementary_data": {"related_ids": {"order_id": "ORD-9"}}}
	}`))
	require.NoError(t, err)
	assert.False(t, ev.Amount.Valid)
	assert.Equal(t, "ORD-9", ev.OrderID)
}
