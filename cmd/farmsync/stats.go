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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/unifarm/farmsync"
)

// statsCmd prints the cache and coordinator stats of a running daemon.
func statsCmd() *cobra.Command {
	var address string
	var metrics bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the stats of a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := http.Client{
				Timeout:   5 * time.Second,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			}
			if metrics {
				return printMetrics(cmd.OutOrStdout(), &client, address)
			}

			resp, err := client.Get(fmt.Sprintf("http://%s/v1/stats", address))
			if err != nil {
				return errors.Wrap(err, "while requesting stats")
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return errors.Errorf("unexpected status '%s'", resp.Status)
			}

			var stats farmsync.StatsResp
			if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
				return errors.Wrap(err, "while decoding stats")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}

	def := os.Getenv("FARMSYNC_HTTP_ADDRESS")
	if def == "" {
		def = "localhost:8080"
	}
	cmd.Flags().StringVar(&address, "address", def, "HTTP address of the daemon")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "print the farmsync_* prometheus metrics instead")
	return cmd
}

// printMetrics scrapes /metrics and prints one line per farmsync sample.
func printMetrics(w io.Writer, client *http.Client, address string) error {
	resp, err := client.Get(fmt.Sprintf("http://%s/metrics", address))
	if err != nil {
		return errors.Wrap(err, "while requesting metrics")
	}
	defer resp.Body.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return errors.Wrap(err, "while parsing metrics")
	}

	var names []string
	for name := range families {
		if strings.HasPrefix(name, "farmsync_") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		for _, m := range families[name].GetMetric() {
			fmt.Fprintf(w, "%s%s %v\n", name, labels(m), value(m))
		}
	}
	return nil
}

func labels(m *dto.Metric) string {
	if len(m.GetLabel()) == 0 {
		return ""
	}
	var pairs []string
	for _, l := range m.GetLabel() {
		pairs = append(pairs, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func value(m *dto.Metric) float64 {
	switch {
	case m.Gauge != nil:
		return m.GetGauge().GetValue()
	case m.Counter != nil:
		return m.GetCounter().GetValue()
	case m.Summary != nil:
		return m.GetSummary().GetSampleSum()
	case m.Histogram != nil:
		return m.GetHistogram().GetSampleSum()
	}
	return m.GetUntyped().GetValue()
}
