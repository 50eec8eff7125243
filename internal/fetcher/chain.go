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

	"oraclewatch/internal/evaluator"
)

const (
	aggregatorABIJSON = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}]`
)

var (
	aggregatorABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ChainOptions parameterise the on-chain round reader.
type ChainOptions struct {
	RPCURL  string
	Timeout time.Duration
}

// Chain reads wrapper contract rounds via Ethereum RPC.
type Chain struct {
	opts      ChainOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewChain builds an on-chain round reader.
func NewChain(opts ChainOptions, logger zerolog.Logger) *Chain {
	return &Chain{opts: opts, logger: logger.With().Str("component", "chain_reader").Logger()}
}

// FetchRound reads latestRoundData from the wrapper contract at address.
// Only the answer and its update timestamp are kept; the round ids and
// start time are not consumed downstream.
func (c *Chain) FetchRound(ctx context.Context, address string) (evaluator.OnChainObservation, error) {
	if c.opts.RPCURL == "" {
		return evaluator.OnChainObservation{}, errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(address) {
		return evaluator.OnChainObservation{}, fmt.Errorf("invalid wrapper contract address %q", address)
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
		return evaluator.OnChainObservation{}, err
	}

	addr := common.HexToAddress(address)

	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return evaluator.OnChainObservation{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return evaluator.OnChainObservation{}, err
	}

	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return evaluator.OnChainObservation{}, err
	}

	if len(outputs) != 5 {
		return evaluator.OnChainObservation{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return evaluator.OnChainObservation{}, errors.New("failed to decode round answer")
	}

	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return evaluator.OnChainObservation{}, errors.New("failed to decode round update timestamp")
	}
	if !updatedAt.IsInt64() {
		return evaluator.OnChainObservation{}, errors.New("round update timestamp out of range")
	}

	return evaluator.OnChainObservation{
		Price:     answer,
		UpdatedAt: updatedAt.Int64(),
	}, nil
}

func (c *Chain) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var _ RoundReader = (*Chain)(nil)
