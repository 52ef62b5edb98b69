package razorpay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
)

func newWebhookClient() *Client {
	c, _ := NewClient("rzp_key", "rzp_secret", "hook_secret", nil, WithOrders(&fakeOrders{}))
	return c
}

func TestVerifyWebhookPaymentCaptured(t *testing.T) {
	body := `{"id":"evt_1","event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1","notes":{"user_id":42,"plan_id":"price_once","username":"alice"}}}}}`

	event, err := newWebhookClient().VerifyWebhook([]byte(body), hexHMAC("hook_secret", body))
	require.NoError(t, err)

	assert.Equal(t, provider.EventPaymentCaptured, event.Type)
	require.NotNil(t, event.Payment)
	assert.Equal(t, "pay_1", event.Payment.ID)
	assert.Equal(t, "order_1", event.Payment.OrderID)
	assert.Equal(t, "42", event.Payment.Notes["user_id"])
	assert.Equal(t, "price_once", event.Payment.Notes["plan_id"])
}

func TestVerifyWebhookEmptyNotesArray(t *testing.T) {
	body := `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_2","notes":[]}}}}`

	event, err := newWebhookClient().VerifyWebhook([]byte(body), hexHMAC("hook_secret", body))
	require.NoError(t, err)
	assert.Empty(t, event.Payment.Notes)
}

func TestVerifyWebhookBadSignature(t *testing.T) {
	body := `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1"}}}}`

	_, err := newWebhookClient().VerifyWebhook([]byte(body), hexHMAC("other_secret", body))
	assert.ErrorIs(t, err, provider.ErrSignatureInvalid)

	_, err = newWebhookClient().VerifyWebhook([]byte(body), "")
	assert.ErrorIs(t, err, provider.ErrSignatureInvalid)
}

func TestVerifyWebhookMalformed(t *testing.T) {
	body := `{"event": "payment.captured", `

	_, err := newWebhookClient().VerifyWebhook([]byte(body), hexHMAC("hook_secret", body))
	assert.ErrorIs(t, err, provider.ErrMalformedPayload)
}

func TestVerifyWebhookOtherEvent(t *testing.T) {
	body := `{"event":"order.paid","payload":{}}`

	event, err := newWebhookClient().VerifyWebhook([]byte(body), hexHMAC("hook_secret", body))
	require.NoError(t, err)
	assert.Equal(t, provider.EventUnhandled, event.Type)
	assert.Nil(t, event.Payment)
}

func TestVerifyWebhookRejectsWithoutSecret(t *testing.T) {
	body := `{"id":"evt_9","event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_9","order_id":"order_9","notes":{"user_id":1,"plan_id":"price_x"}}}}}`
	c := &Client{keySecret: "rzp_secret"}

	event, err := c.VerifyWebhook([]byte(body), hexHMAC("", body))
	assert.ErrorIs(t, err, provider.ErrSignatureInvalid)
	assert.Nil(t, event)
}
