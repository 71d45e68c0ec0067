// checkkey prints the persisted session key and its current on-chain
// balance. Operator tool; reads the same config env vars as sessiond.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/0xjba/session-keys/internal/config"
	"github.com/0xjba/session-keys/internal/encoding"
	"github.com/0xjba/session-keys/internal/provider"
	"github.com/0xjba/session-keys/internal/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})

	blob, err := rdb.Get(ctx, state.PersistKey).Bytes()
	if err == redis.Nil {
		fmt.Println("no session key persisted")
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis:", err)
		os.Exit(1)
	}

	var rec struct {
		SessionKey string `json:"sessionKey"`
		IsActive   bool   `json:"isActive"`
	}
	if err := json.Unmarshal(blob, &rec); err != nil {
		fmt.Fprintln(os.Stderr, "corrupt state blob:", err)
		os.Exit(1)
	}
	if rec.SessionKey == "" {
		fmt.Println("no session key persisted")
		return
	}

	prov, err := provider.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	defer prov.Close()

	wei, err := provider.BalanceAt(ctx, prov, rec.SessionKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "balance:", err)
		os.Exit(1)
	}

	fmt.Printf("session key: %s\n", rec.SessionKey)
	fmt.Printf("active:      %v\n", rec.IsActive)
	fmt.Printf("balance:     %s ETH\n", encoding.FormatEther(wei))
	fmt.Printf("est. txs:    %d\n", encoding.EstimateTransactions(wei))
}
