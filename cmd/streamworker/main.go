package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	ulog "github.com/grafana/streamworker/pkg/util/log"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	ulog.InitLogger(cfg.Log)

	app, err := New(*cfg, prometheus.DefaultRegisterer)
	if err != nil {
		level.Error(ulog.Logger).Log("msg", "error initialising streamworker", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := services.StartAndAwaitRunning(ctx, app); err != nil {
		level.Error(ulog.Logger).Log("msg", "error starting streamworker", "err", err)
		os.Exit(1)
	}

	level.Info(ulog.Logger).Log("msg", "streamworker running")

	<-ctx.Done()

	stopCtx := context.Background()
	if err := services.StopAndAwaitTerminated(stopCtx, app); err != nil {
		level.Error(ulog.Logger).Log("msg", "error stopping streamworker", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*Config, error) {
	const configFileOption = "config.file"

	var configFile string

	args := os.Args[1:]

	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "")
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	cfg := &Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	flag.StringVar(&configFile, configFileOption, "", "Configuration file to load.")
	flag.Parse()

	return cfg, nil
}
