package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignAndVerify(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"payment_id":"pay-1","event_type":"payment.settled"}`)

	sig := Sign(secret, body)
	assert.Len(t, sig, 64)
	assert.True(t, Verify(secret, body, sig))

	// Signing is deterministic over secret and body.
	assert.Equal(t, sig, Sign(secret, body))
}

func TestVerifyRejectsTampering(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"payment_id":"pay-1"}`)
	sig := Sign(secret, body)

	assert.False(t, Verify(secret, []byte(`{"payment_id":"pay-2"}`), sig))
	assert.False(t, Verify("whsec_other", body, sig))
	assert.False(t, Verify(secret, body, "deadbeef"))
	assert.False(t, Verify(secret, body, "not hex at all"))
}
