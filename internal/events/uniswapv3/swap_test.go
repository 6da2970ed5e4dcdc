package uniswapv3

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRPC answers EthCall from a fixed selector->result table, keyed by
// (address, data) so token0/token1 and per-token symbol/decimals calls
// can each return their own canned hex payload.
type stubRPC struct {
	responses map[string]string
}

func (s *stubRPC) EthCall(_ context.Context, to, data string) (string, error) {
	return s.responses[to+":"+data], nil
}

func encodeAddress(addr string) string {
	a := common.HexToAddress(addr)
	return common.Bytes2Hex(common.LeftPadBytes(a.Bytes(), 32))
}

func encodeString(s string) string {
	stringType, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: stringType}}.Pack(s)
	return "0x" + common.Bytes2Hex(packed)
}

func encodeUint8(n uint8) string {
	uint8Type, _ := abi.NewType("uint8", "", nil)
	packed, _ := abi.Arguments{{Type: uint8Type}}.Pack(n)
	return "0x" + common.Bytes2Hex(packed)
}

func encodeSwapData(amount0, amount1, sqrtPriceX96, liquidity, tick int64) string {
	packed, err := fullSwapDataArguments.Pack(
		big.NewInt(amount0), big.NewInt(amount1),
		big.NewInt(sqrtPriceX96), big.NewInt(liquidity), big.NewInt(tick),
	)
	if err != nil {
		panic(err)
	}
	return "0x" + common.Bytes2Hex(packed)
}

const (
	poolAddress  = "0x1000000000000000000000000000000000000a"
	token0Addr   = "0x2000000000000000000000000000000000000b"
	token1Addr   = "0x3000000000000000000000000000000000000c"
	senderAddr   = "0x4000000000000000000000000000000000000d"
	recipientAdr = "0x5000000000000000000000000000000000000e"
)

func newResolvedHandler(t *testing.T, decimals0, decimals1 uint8) *Handler {
	t.Helper()
	rpc := &stubRPC{responses: map[string]string{
		poolAddress + ":" + token0Selector:  "0x" + encodeAddress(token0Addr),
		poolAddress + ":" + token1Selector:  "0x" + encodeAddress(token1Addr),
		common.HexToAddress(token0Addr).Hex() + ":" + symbolSelector:  encodeString("USDC"),
		common.HexToAddress(token0Addr).Hex() + ":" + decimalSelector: encodeUint8(decimals0),
		common.HexToAddress(token1Addr).Hex() + ":" + symbolSelector:  encodeString("WETH"),
		common.HexToAddress(token1Addr).Hex() + ":" + decimalSelector: encodeUint8(decimals1),
	}}
	h := NewHandler(poolAddress).(*Handler)
	require.NoError(t, h.ResolveContext(context.Background(), rpc))
	return h
}

func TestHandler_DecodeBeforeResolve_ReturnsEmpty(t *testing.T) {
	h := NewHandler(poolAddress)
	data, err := h.Decode(encodeSwapData(1000, -500, 1, 1, 0), []string{TopicHash(), "0x" + encodeAddress(senderAddr), "0x" + encodeAddress(recipientAdr)})
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestHandler_Decode_S1HappyPath(t *testing.T) {
	h := newResolvedHandler(t, 18, 18)

	topics := []string{TopicHash(), "0x" + encodeAddress(senderAddr), "0x" + encodeAddress(recipientAdr)}
	data, err := h.Decode(encodeSwapData(1000, -500, 1, 1, 0), topics)
	require.NoError(t, err)

	assert.Equal(t, "1000", data["amount_0"])
	assert.Equal(t, "-500", data["amount_1"])
	assert.Equal(t, "500000000000000000", data["swap_price_0"])
	assert.Equal(t, "USDC", data["symbol_0"])
	assert.Equal(t, "WETH", data["symbol_1"])
	assert.Equal(t, common.HexToAddress(senderAddr).Hex(), data["sender"])
	assert.Equal(t, common.HexToAddress(recipientAdr).Hex(), data["recipient"])
}

func TestHandler_Decode_ZeroGuard(t *testing.T) {
	h := newResolvedHandler(t, 18, 18)
	topics := []string{TopicHash(), "0x" + encodeAddress(senderAddr), "0x" + encodeAddress(recipientAdr)}

	data, err := h.Decode(encodeSwapData(0, -500, 1, 1, 0), topics)
	require.NoError(t, err)
	assert.Equal(t, "0", data["swap_price_0"])
	assert.Equal(t, "0", data["swap_price_1"])
}

func TestHandler_Decode_NegativeDivisorFloors(t *testing.T) {
	// amount_0 negative: swap_price_0 = -floor(scale_0 * amount_1 / amount_0)
	// exercises FloorDiv with a negative divisor, not just a negative dividend.
	// 2e18 / -7 floors to -285714285714285715 (truncation would give ...714).
	h := newResolvedHandler(t, 18, 18)
	topics := []string{TopicHash(), "0x" + encodeAddress(senderAddr), "0x" + encodeAddress(recipientAdr)}

	data, err := h.Decode(encodeSwapData(-7, 2, 1, 1, 0), topics)
	require.NoError(t, err)
	assert.NotEqual(t, "0", data["swap_price_0"])
	assert.Equal(t, "285714285714285715", data["swap_price_0"])
	assert.NotEqual(t, "0", data["swap_price_1"])
}

func TestTopicHash_MatchesSignature(t *testing.T) {
	assert.Len(t, TopicHash(), 66)
	assert.Equal(t, TopicHash(), TopicHash())
	assert.Equal(t, "0xc42079f94a6350d7e6235f29174924f928cc2ac818eb64fed8004e115fbcca67", TopicHash())
}
