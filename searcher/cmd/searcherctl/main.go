// searcherctl drives a running searcher's control surface.
//
//	searcherctl -url http://localhost:8545 status
//	searcherctl code 0x6080...
//	searcherctl profit -min 400 -max 2000
//	searcherctl routes -seed universe.toml
//	searcherctl routes -deprecate-tokens 0xabc...,0xdef... -deprecate-dexs 0x123...
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Cogwheel-Validator/spectra-searcher/searcher/config"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/rpc"
	"github.com/rs/zerolog"
	"github.com/sugawarayuuta/sonnet"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Logger()
}

func main() {
	url := flag.String("url", "http://localhost:8545", "searcher control RPC address")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: searcherctl [-url URL] status|code|profit|routes [args]")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := rpc.NewClient(nil, *url)
	args := flag.Args()

	var (
		result any
		err    error
	)
	switch args[0] {
	case "status":
		result, err = client.GetStatus(ctx)
	case "code":
		if len(args) != 2 {
			log.Fatal().Msg("code expects exactly one hex argument")
		}
		result, err = client.UpdateCode(ctx, &rpc.UpdateCodeRequest{Bytecode: args[1]})
	case "profit":
		result, err = updateProfit(ctx, client, args[1:])
	case "routes":
		result, err = updateRoutes(ctx, client, args[1:])
	default:
		log.Fatal().Str("command", args[0]).Msg("Unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", args[0]).Msg("Request failed")
	}

	out, err := sonnet.Marshal(result)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode response")
	}
	fmt.Println(string(out))
}

func updateProfit(ctx context.Context, client *rpc.Client, args []string) (*rpc.UpdateProfitRateResponse, error) {
	fs := flag.NewFlagSet("profit", flag.ExitOnError)
	minProfit := fs.Int64("min", -1, "minimum profit in ppm, unchanged when negative")
	maxProfit := fs.Int64("max", -1, "saturating profit in ppm, unchanged when negative")
	_ = fs.Parse(args)

	req := &rpc.UpdateProfitRateRequest{}
	if *minProfit >= 0 {
		v := uint64(*minProfit)
		req.MinProfit = &v
	}
	if *maxProfit >= 0 {
		v := uint64(*maxProfit)
		req.MaxProfit = &v
	}
	return client.UpdateProfitRate(ctx, req)
}

func updateRoutes(ctx context.Context, client *rpc.Client, args []string) (*rpc.UpdateRoutePathsResponse, error) {
	fs := flag.NewFlagSet("routes", flag.ExitOnError)
	seed := fs.String("seed", "", "universe seed file (.toml or .json) with tokens and dexes to add")
	deprecatedTokens := fs.String("deprecate-tokens", "", "comma separated token addresses to remove")
	deprecatedDexs := fs.String("deprecate-dexs", "", "comma separated dex addresses to remove")
	_ = fs.Parse(args)

	req := &rpc.UpdateRoutePathsRequest{
		DeprecatedTokens: splitList(*deprecatedTokens),
		DeprecatedDexs:   splitList(*deprecatedDexs),
	}
	if *seed != "" {
		tokens, dexs, err := config.LoadUniverseSeed(*seed)
		if err != nil {
			return nil, err
		}
		for _, t := range tokens {
			req.NewTokens = append(req.NewTokens, rpc.TokenInput{Address: t.Address.Hex(), Priority: int(t.Priority)})
		}
		for _, d := range dexs {
			req.NewDexs = append(req.NewDexs, rpc.DexInput{Address: d.Address.Hex(), DexType: int(d.Type)})
		}
	}
	return client.UpdateRoutePaths(ctx, req)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
