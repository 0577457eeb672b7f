package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-alarm-engine/internal/model"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// OnchainOptions parameterise the on-chain reference fetcher. Feeds maps an
// instrument symbol to its price-feed aggregator contract address.
type OnchainOptions struct {
	RPCURL  string
	Feeds   map[string]string
	Timeout time.Duration
}

// Onchain reads reference prices from Chainlink-style aggregator contracts.
type Onchain struct {
	opts      OnchainOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	decimalsMux sync.Mutex
	decimals    map[string]int32
}

// NewOnchain builds an on-chain reference fetcher.
func NewOnchain(opts OnchainOptions, logger zerolog.Logger) *Onchain {
	return &Onchain{
		opts:     opts,
		logger:   logger.With().Str("component", "onchain_fetcher").Logger(),
		decimals: make(map[string]int32),
	}
}

// HasFeed reports whether a reference feed is configured for the instrument.
func (o *Onchain) HasFeed(instrument model.Instrument) bool {
	_, ok := o.opts.Feeds[strings.ToUpper(string(instrument))]
	return ok
}

// FetchReference reads latestRoundData from the instrument's aggregator.
func (o *Onchain) FetchReference(ctx context.Context, instrument model.Instrument) (decimal.Decimal, time.Time, error) {
	if o.opts.RPCURL == "" {
		return decimal.Decimal{}, time.Time{}, errors.New("onchain rpc url not configured")
	}

	feedAddr, ok := o.opts.Feeds[strings.ToUpper(string(instrument))]
	if !ok {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("no price feed configured for %s", instrument)
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := o.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}

	addr := common.HexToAddress(feedAddr)

	scale, err := o.feedDecimals(ctx, client, addr)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}

	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}

	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}
	if len(outputs) != 5 {
		return decimal.Decimal{}, time.Time{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return decimal.Decimal{}, time.Time{}, errors.New("failed to decode aggregator answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return decimal.Decimal{}, time.Time{}, errors.New("failed to decode aggregator timestamp")
	}

	price := decimal.NewFromBigInt(answer, -scale)
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, time.Time{}, errors.New("aggregator returned non-positive price")
	}

	return price, time.Unix(updatedAt.Int64(), 0).UTC(), nil
}

func (o *Onchain) feedDecimals(ctx context.Context, client *ethclient.Client, addr common.Address) (int32, error) {
	key := addr.Hex()

	o.decimalsMux.Lock()
	cached, ok := o.decimals[key]
	o.decimalsMux.Unlock()
	if ok {
		return cached, nil
	}

	payload, err := aggregatorABI.Pack("decimals")
	if err != nil {
		return 0, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return 0, err
	}

	outputs, err := aggregatorABI.Unpack("decimals", res)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}

	dec, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	o.decimalsMux.Lock()
	o.decimals[key] = int32(dec)
	o.decimalsMux.Unlock()

	return int32(dec), nil
}

func (o *Onchain) getClient(ctx context.Context) (*ethclient.Client, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.client != nil {
		return o.client, nil
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.client = client
	return client, nil
}

var _ ReferencePriceFetcher = (*Onchain)(nil)
