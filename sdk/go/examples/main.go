package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"KittyMarket-Chain/internal/api"
	"KittyMarket-Chain/internal/chain"
	"KittyMarket-Chain/internal/market"
	"KittyMarket-Chain/internal/oracle"
	"KittyMarket-Chain/internal/primitives"
	"KittyMarket-Chain/internal/randomness"
	"KittyMarket-Chain/sdk/go/kittymarket"
)

const (
	alice = "0x00000000000000000000000000000000000a11ce"
	bob   = "0x0000000000000000000000000000000000000b0b"
)

func main() {
	rt := chain.NewRuntime(chain.Config{
		Market:             market.DefaultParams(),
		Oracle:             oracle.FeedConfig{MaxPrices: 64, UnsignedInterval: 3, Longevity: 5, Priority: 1 << 20},
		MaxBlockExtrinsics: 64,
		PoolSize:           256,
	}, randomness.NewChained("example"))
	for _, who := range []string{alice, bob} {
		account, _ := primitives.ParseAccount(who)
		if err := rt.Endow(account, 1_000); err != nil {
			panic(err)
		}
	}

	srv := httptest.NewServer(api.NewServer("", rt).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	produce := func() {
		if _, err := rt.ProduceBlock(ctx); err != nil {
			panic(err)
		}
	}

	seller, err := kittymarket.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	seller.SetSigner(alice)
	buyer, _ := kittymarket.NewClient(srv.URL, srv.Client())
	buyer.SetSigner(bob)

	if _, err := seller.Create(ctx); err != nil {
		panic(err)
	}
	produce()

	owned, err := seller.Account(ctx, alice)
	if err != nil {
		panic(err)
	}
	kitty := owned.Kitties[0]
	fmt.Printf("alice minted kitty %d\n", kitty)

	if _, err := seller.ListForSale(ctx, kitty, 4, "100"); err != nil {
		panic(err)
	}
	produce()
	if _, err := buyer.Bid(ctx, kitty, "150"); err != nil {
		panic(err)
	}
	for {
		head, err := buyer.Head(ctx)
		if err != nil {
			panic(err)
		}
		if head.Number >= 4 {
			break
		}
		produce()
	}

	detail, err := buyer.Kitty(ctx, kitty)
	if err != nil {
		panic(err)
	}
	fmt.Printf("kitty %d now owned by %s\n", detail.ID, detail.Owner)
	if detail.LastSalePrice != nil {
		fmt.Printf("settled at %s in block %d\n", detail.LastSalePrice.Amount, detail.LastSalePrice.Block)
	}
}
