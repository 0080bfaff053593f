package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"creditflow/internal/domain"
)

type envelope struct {
	ID         string   `json:"id"`
	EventType  string   `json:"event_type"`
	CreateTime string   `json:"create_time"`
	Resource   resource `json:"resource"`
}

type resource struct {
	ID     string `json:"id"`
	Amount *struct {
		Value        string `json:"value"`
		CurrencyCode string `json:"currency_code"`
	} `json:"amount"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

var eventKinds = map[string]domain.EventKind{
	domain.PayPalCaptureCompleted: domain.EventKindPaymentCompleted,
	domain.PayPalCaptureRefunded:  domain.EventKindPaymentRefunded,
	domain.PayPalCaptureDenied:    domain.EventKindPaymentDenied,
	domain.PayPalCaptureDeclined:  domain.EventKindPaymentDenied,
}

// PayPalClassifier maps PayPal webhook envelopes onto payment events.
type PayPalClassifier struct{}

func NewPayPalClassifier() *PayPalClassifier {
	return &PayPalClassifier{}
}

// Classify returns the event even when it also returns an error, as long as
// the envelope itself could be decoded, so callers can audit what arrived.
func (c *PayPalClassifier) Classify(body []byte) (*domain.PaymentEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}

	env.EventType = strings.TrimSpace(env.EventType)
	if env.EventType == "" {
		return nil, fmt.Errorf("%w: event_type is empty", domain.ErrMalformedEvent)
	}

	ev := &domain.PaymentEvent{
		Kind:       domain.EventKindUnrecognized,
		EventID:    env.ID,
		EventType:  env.EventType,
		CreateTime: env.CreateTime,
		ResourceID: env.Resource.ID,
		OrderID:    strings.TrimSpace(env.Resource.SupplementaryData.RelatedIDs.OrderID),
	}

	kind, known := eventKinds[env.EventType]
	if known {
		ev.Kind = kind
	}

	if amt := env.Resource.Amount; amt != nil && amt.Value != "" {
		v, err := decimal.NewFromString(amt.Value)
		if err != nil {
			return ev, fmt.Errorf("%w: amount %q: %v", domain.ErrMalformedEvent, amt.Value, err)
		}
		if err := domain.ValidateMoney(v); err != nil {
			return ev, fmt.Errorf("%w: amount: %w", domain.ErrMalformedEvent, err)
		}
		ev.Amount = decimal.NewNullDecimal(v)
		ev.Currency = amt.CurrencyCode
	}

	if !known {
		return ev, nil
	}
	if ev.OrderID == "" {
		return ev, domain.ErrMissingOrderID
	}
	return ev, nil
}
