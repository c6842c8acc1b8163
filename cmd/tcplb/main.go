// Command tcplb runs a single-process TCP load balancer: it accepts
// client connections on configured frontends and pipes bytes to a
// round-robin choice of upstream target, reloading on SIGHUP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/joeycumines/tcplb/internal/config"
	"github.com/joeycumines/tcplb/internal/dispatcher"
	"github.com/joeycumines/tcplb/internal/driver"
	"github.com/joeycumines/tcplb/internal/poller"
)

var opt struct {
	ConfigPath string
	Help       bool
}

func init() {
	pflag.StringVarP(&opt.ConfigPath, "config", "c", "", "Path to the TOML configuration file (required)")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if opt.Help || opt.ConfigPath == "" {
		fmt.Printf("usage: %s --config <path>\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(opt.ConfigPath)
	if err != nil {
		log.Error().Err(err).Msg("load config")
		os.Exit(1)
	}

	state := driver.New(log, driver.Capacities{
		Connections: cfg.Buffers.Connections,
		Listeners:   cfg.Buffers.Listeners,
	})

	p, err := poller.New()
	if err != nil {
		log.Error().Err(err).Msg("initialize poller")
		os.Exit(1)
	}

	disp, err := dispatcher.New(log, state, p, 1)
	if err != nil {
		log.Error().Err(err).Msg("initialize dispatcher")
		os.Exit(1)
	}
	defer disp.Close()

	if err := driver.Reconfigure(state, p, cfg); err != nil {
		log.Error().Err(err).Msg("apply initial configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hch := make(chan os.Signal, 1)
	signal.Notify(hch, syscall.SIGHUP)
	go func() {
		for range hch {
			log.Info().Msg("received SIGHUP, reloading configuration")
			cfg, err := config.Load(opt.ConfigPath)
			if err != nil {
				log.Error().Err(err).Msg("reload config: parse failed, previous configuration remains in effect")
				continue
			}
			result := make(chan error, 1)
			disp.Submit(dispatcher.Command{ApplyConfig: cfg, Result: result})
			if err := <-result; err != nil {
				log.Error().Err(err).Msg("reload config: reconfiguration failed")
			}
		}
	}()

	go func() {
		<-ctx.Done()
		disp.Submit(dispatcher.Command{Shutdown: true})
	}()

	if err := disp.Run(ctx); err != nil {
		log.Error().Err(err).Msg("fatal dispatcher error")
		os.Exit(1)
	}

	log.Info().Msg("shut down cleanly")
}
