// Package uniswapv3 implements the one concrete event handler this build
// ships: decoding a Uniswap V3 pool's Swap event, including the two-step
// chain-read context resolution (pool tokens, then each token's symbol
// and decimals) every handler of this shape needs before it can decode a
// single log.
package uniswapv3

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"csic-platform/service/blockchain/recording/internal/bigmath"
	"csic-platform/service/blockchain/recording/internal/domain"
	"csic-platform/service/blockchain/recording/internal/events"
)

// EventID identifies this handler's event kind in the registry.
const EventID = "uniswap-v3-pool-swap"

// Category is the persistence collection this event kind writes into.
const Category = "swaps"

// Signature is the canonical event signature whose keccak256 hash is
// topics[0] on every Swap log.
const Signature = "Swap(address,address,int256,int256,uint160,uint128,int24)"

// selector4 returns the first 4 bytes of keccak256(name) as a 0x-prefixed
// hex string, matching how the chain computes function selectors for
// eth_call.
func selector4(name string) string {
	return "0x" + common.Bytes2Hex(crypto.Keccak256([]byte(name))[:4])
}

var (
	token0Selector  = selector4("token0()")
	token1Selector  = selector4("token1()")
	symbolSelector  = selector4("symbol()")
	decimalSelector = selector4("decimals()")
)

// TopicHash returns the 0x-prefixed keccak256 hash of Signature.
func TopicHash() string {
	return "0x" + common.Bytes2Hex(crypto.Keccak256([]byte(Signature)))
}

// fullSwapDataArguments describes the ABI-encoded, non-indexed payload of
// a Swap event: (int256 amount0, int256 amount1, uint160 sqrtPriceX96,
// uint128 liquidity, int24 tick).
var fullSwapDataArguments abi.Arguments

func init() {
	mustType := func(t string) abi.Type {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(fmt.Sprintf("uniswapv3: building abi type %q: %v", t, err))
		}
		return typ
	}
	fullSwapDataArguments = abi.Arguments{
		{Type: mustType("int256")},
		{Type: mustType("int256")},
		{Type: mustType("uint160")},
		{Type: mustType("uint128")},
		{Type: mustType("int24")},
	}
}

// Handler decodes Uniswap V3 pool Swap events. One instance is
// constructed per subscribed pool contract and reused for every Swap log
// seen on that subscription.
type Handler struct {
	contractAddress string

	mu      sync.RWMutex
	context domain.HandlerContext
}

// NewHandler builds an events.HandlerConstructor-compatible Handler bound
// to contractAddress. Registered against EventID in the builtin registry.
func NewHandler(contractAddress string) events.Handler {
	return &Handler{contractAddress: contractAddress}
}

// ResolveContext issues token0()/token1() against the pool, then
// symbol()/decimals() against each token, and derives the fixed-point
// scaling factors used by Decode. Idempotent: a second call re-resolves
// from scratch rather than erroring, matching the handler protocol's
// "idempotent" requirement.
func (h *Handler) ResolveContext(ctx context.Context, rpc events.RPCCaller) error {
	token0Hex, err := rpc.EthCall(ctx, h.contractAddress, token0Selector)
	if err != nil {
		return fmt.Errorf("uniswapv3: token0(): %w", err)
	}
	token1Hex, err := rpc.EthCall(ctx, h.contractAddress, token1Selector)
	if err != nil {
		return fmt.Errorf("uniswapv3: token1(): %w", err)
	}
	token0 := decodeAddress(token0Hex)
	token1 := decodeAddress(token1Hex)

	symbol0, decimals0, err := resolveTokenMetadata(ctx, rpc, token0)
	if err != nil {
		return fmt.Errorf("uniswapv3: resolving token0 %s metadata: %w", token0, err)
	}
	symbol1, decimals1, err := resolveTokenMetadata(ctx, rpc, token1)
	if err != nil {
		return fmt.Errorf("uniswapv3: resolving token1 %s metadata: %w", token1, err)
	}

	scale0 := scalingFactor(decimals0, decimals1)
	scale1 := scalingFactor(decimals1, decimals0)

	h.mu.Lock()
	h.context = domain.HandlerContext{
		Token0Address: token0,
		Token1Address: token1,
		Symbol0:       symbol0,
		Symbol1:       symbol1,
		Decimals0:     decimals0,
		Decimals1:     decimals1,
		Scale0:        scale0,
		Scale1:        scale1,
		Resolved:      true,
	}
	h.mu.Unlock()
	return nil
}

// scalingFactor computes 10^(18 + decimalsSelf - decimalsOther).
func scalingFactor(decimalsSelf, decimalsOther uint8) *big.Int {
	exp := 18 + int(decimalsSelf) - int(decimalsOther)
	if exp < 0 {
		// Never observed on real ERC-20 pairs (decimals differences this
		// large would break the pool's own pricing), but guard rather
		// than panic on Exp with a negative exponent.
		exp = 0
	}
	return bigmath.Pow10(exp)
}

func resolveTokenMetadata(ctx context.Context, rpc events.RPCCaller, tokenAddress string) (symbol string, decimals uint8, err error) {
	symbolHex, err := rpc.EthCall(ctx, tokenAddress, symbolSelector)
	if err != nil {
		return "", 0, fmt.Errorf("symbol(): %w", err)
	}
	decimalsHex, err := rpc.EthCall(ctx, tokenAddress, decimalSelector)
	if err != nil {
		return "", 0, fmt.Errorf("decimals(): %w", err)
	}
	symbol, err = decodeABIString(symbolHex)
	if err != nil {
		return "", 0, fmt.Errorf("decoding symbol(): %w", err)
	}
	decimals, err = decodeUint8(decimalsHex)
	if err != nil {
		return "", 0, fmt.Errorf("decoding decimals(): %w", err)
	}
	return symbol, decimals, nil
}

// Decode ABI-decodes the Swap payload and computes the swap prices. If
// the context has not been resolved, it returns an empty map rather than
// erroring, per the handler protocol.
func (h *Handler) Decode(rawData string, topics []string) (map[string]string, error) {
	h.mu.RLock()
	hctx := h.context
	h.mu.RUnlock()

	if !hctx.Resolved {
		return map[string]string{}, nil
	}
	if len(topics) < 3 {
		return nil, fmt.Errorf("uniswapv3: swap log has %d topics, want at least 3", len(topics))
	}

	data := common.FromHex(rawData)
	values, err := fullSwapDataArguments.UnpackValues(data)
	if err != nil {
		return nil, fmt.Errorf("uniswapv3: unpacking swap payload: %w", err)
	}
	amount0 := values[0].(*big.Int)
	amount1 := values[1].(*big.Int)
	sqrtPriceX96 := values[2].(*big.Int)
	liquidity := values[3].(*big.Int)
	tick := values[4].(*big.Int)

	sender := decodeAddress(topics[1])
	recipient := decodeAddress(topics[2])

	swapPrice0 := big.NewInt(0)
	swapPrice1 := big.NewInt(0)
	if amount0.Sign() != 0 && amount1.Sign() != 0 {
		swapPrice0 = new(big.Int).Neg(bigmath.FloorDiv(new(big.Int).Mul(hctx.Scale0, amount1), amount0))
		swapPrice1 = new(big.Int).Neg(bigmath.FloorDiv(new(big.Int).Mul(hctx.Scale1, amount0), amount1))
	}

	return map[string]string{
		"sender":         sender,
		"recipient":      recipient,
		"symbol_0":       hctx.Symbol0,
		"symbol_1":       hctx.Symbol1,
		"amount_0":       amount0.String(),
		"amount_1":       amount1.String(),
		"swap_price_0":   swapPrice0.String(),
		"swap_price_1":   swapPrice1.String(),
		"sqrt_price_x96": sqrtPriceX96.String(),
		"liquidity":      liquidity.String(),
		"tick":           tick.String(),
	}, nil
}

// decodeAddress extracts a right-aligned 20-byte address from a
// 32-byte-or-shorter ABI word (used for both eth_call return values and
// indexed topic entries).
func decodeAddress(hexWord string) string {
	b := common.FromHex(hexWord)
	if len(b) < 20 {
		return common.BytesToAddress(b).Hex()
	}
	return common.BytesToAddress(b[len(b)-20:]).Hex()
}

// decodeABIString decodes a single dynamic ABI "string" return value.
func decodeABIString(hexWord string) (string, error) {
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		return "", err
	}
	args := abi.Arguments{{Type: stringType}}
	values, err := args.UnpackValues(common.FromHex(hexWord))
	if err != nil {
		return "", err
	}
	s, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected type %T decoding string", values[0])
	}
	return strings.TrimRight(s, "\x00"), nil
}

// decodeUint8 decodes a single ABI "uint8" return value.
func decodeUint8(hexWord string) (uint8, error) {
	uint8Type, err := abi.NewType("uint8", "", nil)
	if err != nil {
		return 0, err
	}
	args := abi.Arguments{{Type: uint8Type}}
	values, err := args.UnpackValues(common.FromHex(hexWord))
	if err != nil {
		return 0, err
	}
	n, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected type %T decoding uint8", values[0])
	}
	return n, nil
}
