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
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var log = logrus.WithField("category", "server")
var Version = "dev-build"

var rootCmd = &cobra.Command{
	Use:           "farmsync",
	Short:         "Keeps UniFarm balances cached and fresh",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(serveCmd(), statsCmd())
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.WithError(err).Error("farmsync failed")
		os.Exit(1)
	}
}
