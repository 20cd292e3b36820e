package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":               "",
		"pm_1Nabcd1234":  "pm_****1234",
		"cus_abc":        "cus_****",
		"plainsecret99":  "****et99",
		"  pm_card_visa": "pm_****visa",
	}
	for in, want := range cases {
		assert.Equal(t, want, MaskSecret(in), in)
	}
}

func TestMaskKeysOnlyTouchesNamedStrings(t *testing.T) {
	metadata := map[string]any{
		"payment_method_ref": "pm_1Nabcd1234",
		"amount":             int64(500),
		"reason":             "card_declined",
	}
	MaskKeys(metadata, "payment_method_ref", "amount", "missing")

	assert.Equal(t, "pm_****1234", metadata["payment_method_ref"])
	assert.Equal(t, int64(500), metadata["amount"])
	assert.Equal(t, "card_declined", metadata["reason"])
	assert.NotContains(t, metadata, "missing")
}
