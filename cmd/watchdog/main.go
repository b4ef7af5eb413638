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

// Command watchdog is the local supervisor of spec.md §4.H: it forks the
// gateway processes named in watchdog.conf, tracks their liveness, and
// reports a periodic pulse to a central daemon.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/syndicate-storage/ag-gateway/internal/supervisor"
)

func main() {
	var confPath string
	var host string

	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Forks and monitors the gateway processes listed in watchdog.conf.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(confPath, host)
		},
	}
	cmd.Flags().StringVar(&confPath, "conf", "/etc/ag/watchdog.conf", "Path to watchdog.conf.")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address reported in each child's host:port descriptor.")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(confPath, host string) error {
	conf, err := supervisor.ParseConfigFile(confPath)
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}

	sup := supervisor.New(conf, host)
	sup.StartAll()

	daemonURL := fmt.Sprintf("http://%s:%d", conf.WatchdogAddr, conf.AgDaemonPort)
	reporter := supervisor.NewReporter(uuid.NewString(), daemonURL, sup)
	go reporter.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	reporter.Stop()
	sup.Stop()
	return nil
}
