package portfolio

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const onchainCacheTTL = 5 * time.Minute

// conditionalTokensABI is the minimal ABI fragment needed for the
// read-only payoutDenominator view call.
const conditionalTokensABI = `[{"constant":true,"inputs":[{"name":"conditionId","type":"bytes32"}],"name":"payoutDenominator","outputs":[{"name":"","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"}]`

var ctfParsedABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(conditionalTokensABI))
	if err != nil {
		panic("portfolio: invalid conditional-tokens ABI: " + err.Error())
	}
	ctfParsedABI = parsed
}

// OnchainCaller is the subset of ethclient.Client the prober needs; an
// interface so tests can fake it without a live RPC endpoint.
type OnchainCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// RedeemableProber reads payoutDenominator(conditionId) on the
// Conditional-Tokens contract to confirm on-chain settlement, caching
// results for onchainCacheTTL.
type RedeemableProber struct {
	client      OnchainCaller
	ctfAddress  common.Address
	mu          sync.Mutex
	cache       map[string]onchainCacheEntry
}

type onchainCacheEntry struct {
	denominator *big.Int
	fetchedAt   time.Time
}

// NewRedeemableProber builds a prober against the Conditional-Tokens
// contract at ctfAddressHex, reachable through client.
func NewRedeemableProber(client OnchainCaller, ctfAddressHex string) *RedeemableProber {
	return &RedeemableProber{
		client:     client,
		ctfAddress: common.HexToAddress(ctfAddressHex),
		cache:      make(map[string]onchainCacheEntry),
	}
}

// NewEthclientProber is a convenience constructor over a live JSON-RPC
// endpoint, for production wiring.
func NewEthclientProber(rpcURL, ctfAddressHex string) (*RedeemableProber, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}
	return NewRedeemableProber(client, ctfAddressHex), nil
}

// IsRedeemable reports whether conditionId has a nonzero payout
// denominator, meaning the market has settled on-chain.
func (p *RedeemableProber) IsRedeemable(ctx context.Context, conditionID string) (bool, error) {
	denom, err := p.payoutDenominator(ctx, conditionID)
	if err != nil {
		return false, err
	}
	return denom.Sign() > 0, nil
}

func (p *RedeemableProber) payoutDenominator(ctx context.Context, conditionID string) (*big.Int, error) {
	p.mu.Lock()
	if entry, ok := p.cache[conditionID]; ok && time.Since(entry.fetchedAt) < onchainCacheTTL {
		p.mu.Unlock()
		return entry.denominator, nil
	}
	p.mu.Unlock()

	idBytes, err := conditionIDToBytes32(conditionID)
	if err != nil {
		return nil, err
	}

	callData, err := ctfParsedABI.Pack("payoutDenominator", idBytes)
	if err != nil {
		return nil, err
	}

	to := p.ctfAddress
	result, err := p.client.CallContract(ctx, ethereum.CallMsg{
		To:   &to,
		Data: callData,
	}, nil)
	if err != nil {
		return nil, err
	}

	vals, err := ctfParsedABI.Unpack("payoutDenominator", result)
	if err != nil || len(vals) == 0 {
		return nil, err
	}
	denom, _ := vals[0].(*big.Int)
	if denom == nil {
		denom = big.NewInt(0)
	}

	p.mu.Lock()
	p.cache[conditionID] = onchainCacheEntry{denominator: denom, fetchedAt: time.Now()}
	p.mu.Unlock()
	return denom, nil
}

func conditionIDToBytes32(conditionID string) ([32]byte, error) {
	var out [32]byte
	hexStr := strings.TrimPrefix(conditionID, "0x")
	b := common.FromHex("0x" + hexStr)
	copy(out[32-len(b):], b)
	return out, nil
}

// clear drops every cached denominator, used by HARD_RESET.
func (p *RedeemableProber) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]onchainCacheEntry)
}
