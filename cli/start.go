// Copyright 2024 The Reliq Authors
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

package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dimiro1/banner"
	"github.com/mattn/go-colorable"
	"github.com/reliq/reliq/broker"
	"github.com/reliq/reliq/config"
	"github.com/reliq/reliq/logger"
	"github.com/reliq/reliq/metrics"
	"github.com/reliq/reliq/rpc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var bannerTemplate = `{{ .Title "Reliq" "" 0 }}
{{ .AnsiColor.BrightCyan }}  A Reliable RPC Framework over WebSocket
{{ .AnsiColor.Default }}
`

// newCommandStart creates a command to start the RPC server.
func newCommandStart() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start server",
		Long:  "Start the execution of the Reliq server",
		Run: func(_ *cobra.Command, _ []string) {
			banner.InitString(colorable.NewColorableStdout(), true, true,
				bannerTemplate)

			log := logger.New(os.Stdout)

			err := config.ReadConfigFile()
			if err == nil {
				log.Info().Msg("Loading configuration from file")
			} else {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					log.Warn().Msg(err.Error())
				}
			}

			conf, err := config.LoadConfig()
			if err != nil {
				log.Fatal().Msg("Failed to load configuration: " + err.Error())
			}

			err = logger.SetSeverityLevel(conf.LogLevel)
			if err != nil {
				log.Fatal().Msg("Failed to set log severity: " + err.Error())
			}

			rpcConf := rpc.Configuration{
				Address:             conf.RPCAddress,
				Path:                conf.RPCPath,
				IdleTTL:             msDuration(conf.IdleTTLMs),
				BaseRetry:           msDuration(conf.BaseRetryMs),
				MaxBackoff:          msDuration(conf.MaxBackoffMs),
				MaxRetries:          conf.MaxRetries,
				DedupWindow:         msDuration(conf.DedupWindowMs),
				QoSDefault:          rpc.QoS(conf.QoSDefault),
				MaxFrameBytes:       conf.MaxFrameBytes,
				MaxSessions:         conf.MaxSessions,
				MaxOutboxPerSession: conf.MaxOutboxPerSession,
				Workers:             conf.Workers,
				TextCompat:          conf.TextCompat,
				RateLimit:           conf.RateLimit,
				RateBurst:           conf.RateBurst,
				MetricsEnabled:      conf.MetricsEnabled,
			}

			server := rpc.NewServer(rpcConf, &log)

			brk := broker.New(&log)
			brk.AddRunner(server)

			if conf.MetricsEnabled {
				prom, err := metrics.NewPrometheus(metrics.Configuration{
					Address: conf.MetricsAddress,
					Path:    conf.MetricsPath,
				}, &log)
				if err != nil {
					log.Fatal().Msg("Failed to create metrics exporter: " +
						err.Error())
				}
				brk.AddRunner(prom)
			}

			if conf.APIAddress != "" {
				api, err := metrics.NewAPIServer(metrics.APIConfiguration{
					Address: conf.APIAddress,
				}, server.Store(), &log)
				if err != nil {
					log.Fatal().Msg("Failed to create API server: " +
						err.Error())
				}
				brk.AddRunner(api)
			}

			startBroker(&brk, &log)
		},
	}

	return cmd
}

func startBroker(brk *broker.Broker, log *logger.Logger) {
	err := brk.Start()
	if err != nil {
		log.Error().Msg("Failed to start broker: " + err.Error())
		os.Exit(1)
	}

	go waitOSSignals(brk)
	err = brk.Wait()
	if err != nil {
		log.Error().Msg("Broker stopped with error: " + err.Error())
		os.Exit(1)
	}
}

func waitOSSignals(brk *broker.Broker) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	for {
		<-stop

		// Generates a new line to split the logs
		fmt.Println("")
		brk.Stop()
	}
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
