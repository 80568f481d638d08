package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/urfave/cli.v1"

	"github.com/stellar-lumens/lumens-supply/pkg/horizon"
	"github.com/stellar-lumens/lumens-supply/pkg/registry"
	"github.com/stellar-lumens/lumens-supply/pkg/supply"
)

var (
	horizonFlag = cli.StringFlag{
		Name:   "horizon",
		Value:  "https://horizon.stellar.org",
		Usage:  "Horizon base URL",
		EnvVar: "LUMENS_HORIZON_URL",
	}
	registryFlag = cli.StringFlag{
		Name:   "registry",
		Usage:  "account registry YAML (default: built-in)",
		EnvVar: "LUMENS_REGISTRY_PATH",
	}
	timeoutFlag = cli.DurationFlag{
		Name:  "timeout",
		Value: 2 * time.Minute,
		Usage: "bound on the whole aggregation",
	}
	v1Flag = cli.BoolFlag{
		Name:  "v1",
		Usage: "print the legacy v1 shape",
	}
	compactFlag = cli.BoolFlag{
		Name:  "compact",
		Usage: "do not indent JSON output",
	}
	verboseFlag = cli.BoolFlag{
		Name:  "verbose",
		Usage: "log Horizon requests to stderr",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = filepath.Base(os.Args[0])
	app.Usage = "compute one lumens supply snapshot and print it as JSON"
	app.Flags = []cli.Flag{horizonFlag, registryFlag, timeoutFlag, v1Flag, compactFlag, verboseFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	log := zerolog.Nop()
	if ctx.Bool(verboseFlag.Name) {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	reg := registry.Default()
	if path := ctx.String(registryFlag.Name); path != "" {
		var err error
		if reg, err = registry.Load(path); err != nil {
			return err
		}
	}

	client := horizon.NewClient(ctx.String(horizonFlag.Name), &http.Client{Timeout: 10 * time.Second}, log)
	agg := supply.NewAggregator(client, reg, log)

	runCtx, cancel := context.WithTimeout(context.Background(), ctx.Duration(timeoutFlag.Name))
	defer cancel()
	snap, err := agg.ComputeSnapshot(runCtx)
	if err != nil {
		return fmt.Errorf("compute snapshot failed: %w", err)
	}

	var out any = snap
	if ctx.Bool(v1Flag.Name) {
		out = snap.V1()
	}
	enc := json.NewEncoder(os.Stdout)
	if !ctx.Bool(compactFlag.Name) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(out)
}
