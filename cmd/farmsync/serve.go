/*
Copyright 2024-2025 UniFarm Connect

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

package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/unifarm/farmsync"
)

func serveCmd() *cobra.Command {
	var configFile string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the farmsync daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if debug {
				os.Setenv("FARMSYNC_LOG_LEVEL", "debug")
			}

			var configFileReader io.Reader
			if configFile != "" {
				log.Infof("Loading env config: %s", configFile)
				fd, err := os.Open(configFile)
				if err != nil {
					return errors.Wrapf(err, "while opening config file '%s'", configFile)
				}
				defer fd.Close()
				configFileReader = fd
			}

			conf, err := farmsync.SetupDaemonConfig(logrus.StandardLogger(), configFileReader)
			if err != nil {
				return errors.Wrap(err, "while getting config")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Second*10)
			defer cancel()

			log.Infof("farmsync %s starting", Version)
			daemon, err := farmsync.SpawnDaemon(ctx, conf)
			if err != nil {
				return errors.Wrap(err, "while starting server")
			}

			// Wait here for signals to clean up our mess
			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)
			sig := <-c
			log.WithField("signal", sig.String()).Info("caught signal; shutting down")
			daemon.Close()
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "environment config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug")
	return cmd
}
