package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"KittyMarket-Chain/internal/config"
	"KittyMarket-Chain/pkg/logger"
)

var (
	configFlag = cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "配置文件路径，支持 YAML 与 JSON",
		EnvVars: []string{"KITTYMARKET_CONFIG"},
		Value:   filepath.Join("configs", "kittymarket.yaml"),
	}
	blocksFlag = cli.IntFlag{
		Name:  "blocks",
		Usage: "演练生产的最少区块数",
		Value: 10,
	}
	seedFlag = cli.StringFlag{
		Name:  "seed",
		Usage: "演练使用的创世随机种子",
		Value: "simulation",
	}
	priceFlag = cli.UintFlag{
		Name:  "base-price",
		Usage: "演练价格源的基准价（美分）",
		Value: 600,
	}
	verifyFlag = cli.BoolFlag{
		Name:  "verify-snapshot",
		Usage: "演练结束后验证快照能否恢复",
		Value: true,
	}
)

var runCmd = cli.Command{
	Name:   "run",
	Usage:  "启动 KittyMarket 节点",
	Flags:  []cli.Flag{&configFlag},
	Action: doRun,
}

var simulateCmd = cli.Command{
	Name:   "simulate",
	Usage:  "在内存链上演练一轮拍卖",
	Flags:  []cli.Flag{&blocksFlag, &seedFlag, &priceFlag, &verifyFlag},
	Action: doSimulate,
}

// main 是 KittyMarket 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:     "kittyd",
		Usage:    "KittyMarket chain node",
		Commands: []*cli.Command{&runCmd, &simulateCmd},
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "kittyd 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func doRun(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer logger.Sync()

	n, err := buildNode(c.Context, cfg)
	if err != nil {
		return err
	}
	defer n.close()
	return n.run(c.Context)
}

func doSimulate(c *cli.Context) error {
	result, err := simulate(c.Context, simulateOptions{
		Blocks:    c.Int(blocksFlag.Name),
		Seed:      c.String(seedFlag.Name),
		BasePrice: uint32(c.Uint(priceFlag.Name)),
		Verify:    c.Bool(verifyFlag.Name),
	})
	if err != nil {
		return err
	}
	out := c.App.Writer
	fmt.Fprintf(out, "head:      %d\n", result.Head)
	fmt.Fprintf(out, "kitties:   %d\n", result.Kitties)
	fmt.Fprintf(out, "kitty %d owner: %s\n", result.Listed, result.Owner.Hex())
	if result.SalePrice != nil {
		fmt.Fprintf(out, "sold for:  %s at block %d\n", result.SalePrice.Amount.Dec(), result.SalePrice.Block)
	}
	if result.HasAverage {
		fmt.Fprintf(out, "avg price: %d cents\n", result.Average)
	}
	fmt.Fprintf(out, "failed:    %d\n", result.Failed)
	if c.Bool(verifyFlag.Name) {
		fmt.Fprintf(out, "snapshot:  restored at %d, identical=%t\n", result.RestoredAt, result.RestoreSame)
	}
	return nil
}
