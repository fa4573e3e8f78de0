package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"order-engine-go/infrastructure/logger"
	"order-engine-go/sim"
)

func main() {
	orders := flag.Int("orders", 20, "提交的订单数")
	workers := flag.Int("workers", 10, "worker 数")
	concurrency := flag.Int("concurrency", 10, "同时在途的下单数")
	pairs := flag.String("pairs", "SOL-USDC", "交易对，逗号分隔")
	minAmount := flag.String("minAmount", "1", "随机数量下限")
	maxAmount := flag.String("maxAmount", "10", "随机数量上限")
	buildDelay := flag.Duration("buildDelay", 500*time.Millisecond, "构建交易耗时")
	timeout := flag.Duration("timeout", 30*time.Second, "单个订单等待终态的上限")
	fast := flag.Bool("fast", false, "压缩模拟路由的延迟")
	seed := flag.Int64("seed", 0, "随机种子，0 使用当前时间")
	verbose := flag.Bool("v", false, "打印每个订单")
	logLevel := flag.String("logLevel", "warn", "日志级别")
	flag.Parse()

	lg, err := logger.New(logger.Config{Level: *logLevel, Outputs: []string{"stdout"}, Format: "console"})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer lg.Close()

	cfg := sim.DefaultRunnerConfig()
	cfg.Workers = *workers
	cfg.Concurrency = *concurrency
	cfg.Pairs = strings.Split(*pairs, ",")
	cfg.MinAmount = decimal.RequireFromString(*minAmount)
	cfg.MaxAmount = decimal.RequireFromString(*maxAmount)
	cfg.BuildDelay = *buildDelay
	cfg.Timeout = *timeout
	cfg.Dex.Seed = *seed
	if *fast {
		cfg.BuildDelay = 0
		cfg.Dex.QuoteLatency = 5 * time.Millisecond
		cfg.Dex.ExecMin = 10 * time.Millisecond
		cfg.Dex.ExecMax = 20 * time.Millisecond
	}
	// 模拟时不希望被限流拖慢
	cfg.Queue.RateMax = *orders + cfg.Queue.RateMax

	stack, err := sim.BuildRunner(cfg, lg)
	if err != nil {
		log.Fatalf("构建模拟环境失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, err := stack.Run(ctx, *orders)
	if err != nil {
		log.Fatalf("模拟失败: %v", err)
	}

	if *verbose {
		for _, r := range rep.Results {
			fmt.Printf("%s %-4s %-10s %-9s updates=%d latency=%s\n",
				r.OrderID, r.Request.Direction, r.Request.Pair, r.Status, r.Updates, r.Latency.Round(time.Millisecond))
		}
	}
	fmt.Printf("orders=%d confirmed=%d failed=%d timed_out=%d p50=%s max=%s elapsed=%s\n",
		len(rep.Results), rep.Confirmed, rep.Failed, rep.TimedOut,
		rep.P50.Round(time.Millisecond), rep.Max.Round(time.Millisecond), rep.Elapsed.Round(time.Millisecond))
	if rep.Failed > 0 || rep.TimedOut > 0 {
		os.Exit(1)
	}
}
