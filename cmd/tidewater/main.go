package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tidewater/internal/config"
	"tidewater/internal/engine"
	"tidewater/internal/logging"
	"tidewater/internal/pipeline"
	"tidewater/internal/protocol"
	"tidewater/target"

	_ "tidewater/target/kafka"
	_ "tidewater/target/remote"
	_ "tidewater/target/sqldb"
	_ "tidewater/target/stdout"
)

func main() {
	cfgPath := flag.String("config", "tidewater.yaml", "path to the YAML config (optional)")
	input := flag.String("input", "", "read messages from this file instead of the configured input")
	listTargets := flag.Bool("targets", false, "list registered targets and exit")
	flag.Parse()

	if *listTargets {
		fmt.Println(strings.Join(target.Names(), "\n"))
		return
	}

	logging.InitFromEnv()
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logging.L().Error("config", "err", err)
		os.Exit(2)
	}
	if *input != "" {
		cfg.Input.Kind, cfg.Input.Path = "reader", *input
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		// a second signal kills the process
		<-ctx.Done()
		stop()
	}()

	e, err := engine.Bootstrap(ctx, cfg)
	if err != nil {
		logging.L().Error("bootstrap", "err", err)
		os.Exit(1)
	}
	if err := e.Run(ctx); err != nil {
		logFailure(err)
		os.Exit(1)
	}
}

func logFailure(err error) {
	var (
		pe  *protocol.ProtocolError
		agg *pipeline.AggregateError
	)
	switch {
	case errors.As(err, &pe):
		logging.L().Error("protocol violation", "line", pe.Line, "stream", pe.Stream, "reason", pe.Reason)
	case errors.As(err, &agg):
		for _, f := range agg.Failures() {
			logging.L().Error("commit failed", "stream", f.Stream, "batch", f.BatchID, "rows", f.Rows, "err", f.Err)
		}
	default:
		logging.L().Error("engine", "err", err)
	}
}
