package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
)

// Client is a Provider backed by a go-ethereum JSON-RPC connection.
type Client struct {
	rpc *rpc.Client
}

func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &Client{rpc: c}, nil
}

func (c *Client) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.rpc.CallContext(ctx, &raw, method, params...); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) Close() { c.rpc.Close() }
