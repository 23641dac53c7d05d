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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	countersAddressFlag string
	countersPortFlag    int
)

func init() {
	RootCmd.AddCommand(countersCmd)
	countersCmd.Flags().StringVarP(&countersAddressFlag, "address", "a", "127.0.0.1", "address to connect to")
	countersCmd.Flags().IntVarP(&countersPortFlag, "port", "p", 8889, "monitoring port to connect to")
}

func fetchCounters(url string) (map[string]int64, error) {
	c := http.Client{Timeout: 2 * time.Second}
	resp, err := c.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching counters: %s", resp.Status)
	}
	counters := map[string]int64{}
	if err := json.NewDecoder(resp.Body).Decode(&counters); err != nil {
		return nil, err
	}
	return counters, nil
}

func countersRun(address string, port int) error {
	counters, err := fetchCounters(fmt.Sprintf("http://%s:%d/", address, port))
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"counter", "value"})
	for _, k := range keys {
		table.Append([]string{k, strconv.FormatInt(counters[k], 10)})
	}
	table.Render()
	return nil
}

var countersCmd = &cobra.Command{
	Use:   "counters",
	Short: "Print the daemon counters",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := countersRun(countersAddressFlag, countersPortFlag); err != nil {
			log.Fatal(err)
		}
	},
}
