package bigmath

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloorDiv(t *testing.T) {
	cases := []struct {
		name     string
		a, b     int64
		expected int64
	}{
		{"positive/positive", 7, 2, 3},
		{"negative dividend", -7, 2, -4},
		{"negative divisor", 7, -2, -4},
		{"both negative", -7, -2, 3},
		{"exact division", 10, 5, 2},
		{"exact negative", -10, 5, -2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FloorDiv(big.NewInt(tc.a), big.NewInt(tc.b))
			assert.Equal(t, big.NewInt(tc.expected).String(), got.String())
		})
	}
}

func TestPow10(t *testing.T) {
	assert.Equal(t, "1", Pow10(0).String())
	assert.Equal(t, "1000", Pow10(3).String())
	assert.Equal(t, "1", Pow10(-1).String())
}

func TestParseHexUint(t *testing.T) {
	n, ok := ParseHexUint("0x5208")
	require.True(t, ok)
	assert.Equal(t, "21000", n.String())

	n, ok = ParseHexUint("")
	require.True(t, ok)
	assert.Equal(t, "0", n.String())

	_, ok = ParseHexUint("0xzz")
	assert.False(t, ok)
}

func TestSplitDecimalString(t *testing.T) {
	price, decimals, ok := SplitDecimalString("1234.56")
	require.True(t, ok)
	assert.Equal(t, "123456", price.String())
	assert.Equal(t, 2, decimals)

	price, decimals, ok = SplitDecimalString("100")
	require.True(t, ok)
	assert.Equal(t, "100", price.String())
	assert.Equal(t, 0, decimals)
}
