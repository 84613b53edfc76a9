package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

// Options configures a Client.
type Options struct {
	RPCURL string
	// WSURL is used for subscriptions. Empty means RPCURL, which must then be
	// a websocket or IPC endpoint for live indexing.
	WSURL string
	// RateLimit caps outgoing requests per second. Zero disables throttling.
	RateLimit float64
}

// Client wraps go-ethereum RPC and provides helper methods.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client

	wsRPC    *rpc.Client
	wsClient *ethclient.Client

	limiter *rate.Limiter
}

// NewClient dials the configured endpoints.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	rpcClient, err := rpc.DialContext(ctx, opts.RPCURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
	}
	c.wsRPC, c.wsClient = c.rpcClient, c.ethClient

	if opts.WSURL != "" && opts.WSURL != opts.RPCURL {
		wsRPC, err := rpc.DialContext(ctx, opts.WSURL)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("dial ws rpc: %w", err)
		}
		c.wsRPC = wsRPC
		c.wsClient = ethclient.NewClient(wsRPC)
	}

	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return c, nil
}

// Close closes the underlying RPC clients.
func (c *Client) Close() {
	if c.wsRPC != nil && c.wsRPC != c.rpcClient {
		c.wsRPC.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// GetChainID returns the chain ID.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.ethClient.ChainID(ctx)
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	return c.ethClient.BlockNumber(ctx)
}

// FilterLogs returns logs matching the query.
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.ethClient.FilterLogs(ctx, query)
}

// TransactionByHash fetches a transaction by hash.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if err := c.wait(ctx); err != nil {
		return nil, false, err
	}
	return c.ethClient.TransactionByHash(ctx, hash)
}

// SubscribeFilterLogs streams logs matching the query into ch.
func (c *Client) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return c.wsClient.SubscribeFilterLogs(ctx, query, ch)
}

// SubscribeNewHead streams new block headers into ch.
func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return c.wsClient.SubscribeNewHead(ctx, ch)
}
