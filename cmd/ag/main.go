// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command ag is the Acquisition Gateway process: it parses its map
// configuration, publishes every entry to the metadata service, and then
// serves block and manifest requests until terminated.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/syndicate-storage/ag-gateway/cfg"
	"github.com/syndicate-storage/ag-gateway/clock"
	"github.com/syndicate-storage/ag-gateway/internal/engine"
	"github.com/syndicate-storage/ag-gateway/internal/logger"
	"github.com/syndicate-storage/ag-gateway/internal/mapconf"
	"github.com/syndicate-storage/ag-gateway/metrics"
)

func main() {
	defer reportCrash()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// reportCrash writes a recovered panic's message to a fixed crash log
// before re-raising it, so an operator restarting the gateway after a
// crash has something to read even if stderr was not captured.
func reportCrash() {
	if r := recover(); r != nil {
		w := &crashWriter{fileName: "/var/log/ag-gateway/crash.log"}
		fmt.Fprintf(w, "ag: panic: %v\n", r)
		panic(r)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ag",
		Short: "Runs the Acquisition Gateway metadata-publishing and block-serving engine.",
		RunE:  runGateway,
	}
	cmd.Flags().String("config-file", "", "Path to a YAML config file layered beneath flags.")
	if err := cfg.BindFlags(cmd.Flags()); err != nil {
		panic(fmt.Sprintf("binding flags: %v", err))
	}
	cmd.SetOut(os.Stdout)
	return cmd
}

func loadConfig(flags *pflag.FlagSet) (cfg.Config, error) {
	if configFile, _ := flags.GetString("config-file"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return cfg.Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var c cfg.Config
	if err := viper.Unmarshal(&c, viper.DecodeHook(cfg.DecodeHook())); err != nil {
		return cfg.Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.ValidateConfig(&c); err != nil {
		return cfg.Config{}, fmt.Errorf("validating config: %w", err)
	}
	return c, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	c, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	if err := logger.InitLogFile(c.Logging); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	logger.Infof("ag: starting gateway %s for volume %s", c.Gateway.ID, c.Volume.Name)

	if !cfg.IsMSConfigured(&c) {
		return fmt.Errorf("ag: metadata service not configured: both ms-url and volume name are required")
	}

	m, err := mapconf.ParseFile(string(c.MapFile))
	if err != nil {
		return fmt.Errorf("parsing map file: %w", err)
	}

	mh, err := metrics.NewOTel()
	if err != nil {
		logger.Warnf("ag: metrics initialization failed, continuing without: %v", err)
		mh = metrics.NewNoop()
	}

	go func() {
		if err := http.ListenAndServe(":9464", metrics.Handler()); err != nil {
			logger.Warnf("ag: metrics endpoint exited: %v", err)
		}
	}()

	gw := engine.New(c, m, clock.RealClock{}, mh)
	if err := gw.Start(context.Background()); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("ag: shutting down")
	gw.Stop(context.Background())
	return logger.Close()
}
