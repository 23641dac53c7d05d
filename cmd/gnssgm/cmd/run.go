/*
Copyright (c) The gnssgm authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gridtime/gnssgm/daemon"
)

var (
	runConfigFlag  string
	runIfaceFlag   string
	runSerialFlag  string
	runPPSFlag     string
	runMonPortFlag int
)

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runConfigFlag, "config", "c", "", "path to the config file, flag values are ignored when set")
	runCmd.Flags().StringVarP(&runIfaceFlag, "iface", "i", "eth0", "network interface whose PHC we discipline")
	runCmd.Flags().StringVarP(&runSerialFlag, "serial", "s", "/dev/ttyAMA0", "GNSS receiver serial device")
	runCmd.Flags().StringVarP(&runPPSFlag, "pps", "p", "/dev/pps0", "pulse-per-second device")
	runCmd.Flags().IntVarP(&runMonPortFlag, "monitoringport", "m", 8889, "port to run the monitoring server on, 0 disables it")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the disciplining daemon",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		var cfg *daemon.Config
		var err error
		if runConfigFlag != "" {
			log.Warningf("using config from %s, flag values are ignored", runConfigFlag)
			cfg, err = daemon.ReadConfig(runConfigFlag)
			if err != nil {
				log.Fatal(err)
			}
		} else {
			cfg = daemon.DefaultConfig()
			cfg.Iface = runIfaceFlag
			cfg.SerialDevice = runSerialFlag
			cfg.PPSDevice = runPPSFlag
			cfg.MonitoringPort = runMonPortFlag
		}
		log.Debugf("Config: %+v", *cfg)

		d, err := daemon.New(cfg, daemon.NewStats())
		if err != nil {
			log.Fatal(err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal(err)
		}
	},
}
