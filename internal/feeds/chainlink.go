package feeds

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	aggregatorV3ABIJSON = `[
	{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"uint80","name":"_roundId","type":"uint80"}],"name":"getRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var aggregatorV3ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// ChainlinkOptions parameterise the on-chain feed client.
type ChainlinkOptions struct {
	RPCURL string
	// Feeds maps asset identifier to aggregator contract address.
	Feeds   map[string]string
	Timeout time.Duration
}

// Chainlink reads AggregatorV3 price feeds over Ethereum RPC.
type Chainlink struct {
	opts      ChainlinkOptions
	logger    zerolog.Logger
	feeds     map[string]common.Address
	client    *ethclient.Client
	clientMux sync.Mutex

	decimalsMux sync.Mutex
	decimals    map[string]uint8
}

// NewChainlink builds a feed client over an immutable asset registry.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	feeds := make(map[string]common.Address, len(opts.Feeds))
	for asset, addr := range opts.Feeds {
		feeds[asset] = common.HexToAddress(addr)
	}
	return &Chainlink{
		opts:     opts,
		logger:   logger.With().Str("component", "feed_client").Logger(),
		feeds:    feeds,
		decimals: make(map[string]uint8, len(opts.Feeds)),
	}
}

// Assets lists configured assets in stable order.
func (c *Chainlink) Assets() []string {
	assets := make([]string, 0, len(c.feeds))
	for asset := range c.feeds {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// FetchLatest returns the aggregator's latest round for an asset.
func (c *Chainlink) FetchLatest(ctx context.Context, asset string) (Reading, error) {
	return c.fetch(ctx, asset, "latestRoundData")
}

// FetchRound returns one historical aggregator round for an asset.
func (c *Chainlink) FetchRound(ctx context.Context, asset string, roundID *big.Int) (Reading, error) {
	return c.fetch(ctx, asset, "getRoundData", roundID)
}

func (c *Chainlink) fetch(ctx context.Context, asset, method string, args ...interface{}) (Reading, error) {
	addr, ok := c.feeds[asset]
	if !ok {
		return Reading{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: dial rpc: %v", ErrFeedUnavailable, err)
	}

	decimals, err := c.getDecimals(ctx, client, asset, addr)
	if err != nil {
		return Reading{}, err
	}

	payload, err := aggregatorV3ABI.Pack(method, args...)
	if err != nil {
		return Reading{}, fmt.Errorf("pack %s: %w", method, err)
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %s %s: %v", ErrFeedUnavailable, method, asset, err)
	}

	outputs, err := aggregatorV3ABI.Unpack(method, res)
	if err != nil {
		return Reading{}, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) != 5 {
		return Reading{}, fmt.Errorf("%w: unexpected %s response", ErrFeedUnavailable, method)
	}

	roundID, ok0 := outputs[0].(*big.Int)
	answer, ok1 := outputs[1].(*big.Int)
	updatedAt, ok3 := outputs[3].(*big.Int)
	answeredInRound, ok4 := outputs[4].(*big.Int)
	if !ok0 || !ok1 || !ok3 || !ok4 {
		return Reading{}, fmt.Errorf("%w: failed to decode %s output", ErrFeedUnavailable, method)
	}

	if err := validateRound(asset, roundID, answer, updatedAt, answeredInRound); err != nil {
		return Reading{}, err
	}

	return Reading{
		Asset:     asset,
		RawValue:  answer,
		Decimals:  decimals,
		UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
		RoundID:   roundID,
	}, nil
}

// validateRound rejects rounds a valid feed can never produce: a non-positive
// answer, a zero update time, or an answer carried over from an older round.
func validateRound(asset string, roundID, answer, updatedAt, answeredInRound *big.Int) error {
	if answer == nil || answer.Sign() <= 0 {
		return fmt.Errorf("%w: %s returned non-positive answer", ErrFeedUnavailable, asset)
	}
	if updatedAt == nil || updatedAt.Sign() == 0 {
		return fmt.Errorf("%w: %s round %s not updated", ErrStaleRound, asset, roundID)
	}
	if answeredInRound == nil || answeredInRound.Cmp(roundID) < 0 {
		return fmt.Errorf("%w: %s answered in round %s < round %s", ErrStaleRound, asset, answeredInRound, roundID)
	}
	return nil
}

func (c *Chainlink) getDecimals(ctx context.Context, client *ethclient.Client, asset string, addr common.Address) (uint8, error) {
	c.decimalsMux.Lock()
	if d, ok := c.decimals[asset]; ok {
		c.decimalsMux.Unlock()
		return d, nil
	}
	c.decimalsMux.Unlock()

	payload, err := aggregatorV3ABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: decimals %s: %v", ErrFeedUnavailable, asset, err)
	}

	outputs, err := aggregatorV3ABI.Unpack("decimals", res)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	if len(outputs) != 1 {
		return 0, fmt.Errorf("%w: unexpected decimals response", ErrFeedUnavailable)
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: failed to decode decimals output", ErrFeedUnavailable)
	}

	c.decimalsMux.Lock()
	c.decimals[asset] = d
	c.decimalsMux.Unlock()
	return d, nil
}

func (c *Chainlink) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if c.opts.RPCURL == "" {
		return nil, fmt.Errorf("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var _ Client = (*Chainlink)(nil)
