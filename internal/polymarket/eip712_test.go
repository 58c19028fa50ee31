package polymarket

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known throwaway dev key, never funded.
const testPrivateKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"

func newTestSigner(t *testing.T) *OrderSigner {
	t.Helper()
	signer, err := NewOrderSigner(testPrivateKey, "", 0)
	require.NoError(t, err)
	return signer
}

func TestOrderSignerAddress(t *testing.T) {
	signer := newTestSigner(t)
	assert.Equal(t, "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1", signer.Address())

	// An 0x prefix on the key is accepted too.
	prefixed, err := NewOrderSigner("0x"+testPrivateKey, "", 0)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), prefixed.Address())
}

func TestOrderSignerRejectsBadKey(t *testing.T) {
	_, err := NewOrderSigner("not-a-key", "", 0)
	assert.Error(t, err)
}

func TestSignedOrderBuyAmounts(t *testing.T) {
	signer := newTestSigner(t)

	order, err := signer.SignedOrder("123456", "BUY", decimal.NewFromFloat(0.50), decimal.NewFromInt(20))
	require.NoError(t, err)

	// BUY spends price*size USDC for size shares, in 6 decimal units.
	assert.Equal(t, "10000000", order.MakerAmount)
	assert.Equal(t, "20000000", order.TakerAmount)
	assert.Equal(t, "BUY", order.Side)
	assert.Equal(t, signer.Address(), order.Maker)
	assert.Equal(t, signer.Address(), order.Signer)

	// 65 byte signature, hex encoded with an 0x prefix.
	require.True(t, strings.HasPrefix(order.Signature, "0x"))
	assert.Len(t, order.Signature, 2+130)
}

func TestSignedOrderSellSwapsAmounts(t *testing.T) {
	signer := newTestSigner(t)

	order, err := signer.SignedOrder("123456", "SELL", decimal.NewFromFloat(0.50), decimal.NewFromInt(20))
	require.NoError(t, err)

	assert.Equal(t, "20000000", order.MakerAmount)
	assert.Equal(t, "10000000", order.TakerAmount)
}

func TestSignedOrderRejectsBadSide(t *testing.T) {
	signer := newTestSigner(t)
	_, err := signer.SignedOrder("123456", "HOLD", decimal.NewFromFloat(0.50), decimal.NewFromInt(20))
	assert.Error(t, err)
}

func TestSignAuthMessage(t *testing.T) {
	signer := newTestSigner(t)

	sig, err := signer.SignAuthMessage("1700000000", 0)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sig, "0x"))
	assert.Len(t, sig, 2+130)

	// Same inputs, same signature: the auth hash is deterministic.
	again, err := signer.SignAuthMessage("1700000000", 0)
	require.NoError(t, err)
	assert.Equal(t, sig, again)
}

func TestAPIPayloadShape(t *testing.T) {
	signer := newTestSigner(t)
	order, err := signer.SignedOrder("123456", "BUY", decimal.NewFromFloat(0.55), decimal.NewFromInt(10))
	require.NoError(t, err)

	payload := order.APIPayload("api-key-1")
	assert.Equal(t, "api-key-1", payload["owner"])
	assert.Equal(t, "FAK", payload["orderType"])

	inner, ok := payload["order"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, order.Signature, inner["signature"])
	assert.Equal(t, "1000", inner["feeRateBps"])
}

func TestAmountScaling(t *testing.T) {
	// Maker truncates, taker rounds at 4 decimals first.
	assert.Equal(t, "5499999", toMakerAmount(decimal.NewFromFloat(5.4999999)))
	assert.Equal(t, "5500000", toTakerAmount(decimal.NewFromFloat(5.49999)))
}
