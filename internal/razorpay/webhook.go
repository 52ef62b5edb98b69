package razorpay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/razorpay/razorpay-go/utils"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
)

// EventPaymentCaptured is the only Razorpay event the reconciler acts on.
const EventPaymentCaptured = "payment.captured"

type webhookEnvelope struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string          `json:"id"`
				OrderID string          `json:"order_id"`
				Notes   json.RawMessage `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// VerifyWebhook checks X-Razorpay-Signature against the webhook secret and
// parses the event. Without a webhook secret every payload is rejected.
func (c *Client) VerifyWebhook(payload []byte, signature string) (*provider.Event, error) {
	if c.webhookSecret == "" || signature == "" || !utils.VerifyWebhookSignature(string(payload), signature, c.webhookSecret) {
		return nil, provider.ErrSignatureInvalid
	}

	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
	}

	event := &provider.Event{ID: env.ID, ProviderType: env.Event, Type: provider.EventUnhandled}
	if env.Event != EventPaymentCaptured {
		return event, nil
	}

	entity := env.Payload.Payment.Entity
	notes, err := parseNotes(entity.Notes)
	if err != nil {
		return nil, fmt.Errorf("%w: payment %s notes: %v", provider.ErrMalformedPayload, entity.ID, err)
	}
	event.Type = provider.EventPaymentCaptured
	event.Payment = &provider.Payment{ID: entity.ID, OrderID: entity.OrderID, Notes: notes}
	return event, nil
}

// parseNotes accepts the notes object with string or numeric values. Razorpay
// renders empty notes as an empty JSON array.
func parseNotes(raw json.RawMessage) (map[string]string, error) {
	notes := map[string]string{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return notes, nil
	}

	var values map[string]any
	if err := json.Unmarshal(trimmed, &values); err != nil {
		return nil, err
	}
	for k, v := range values {
		switch t := v.(type) {
		case string:
			notes[k] = t
		case float64:
			notes[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			notes[k] = strconv.FormatBool(t)
		}
	}
	return notes, nil
}
