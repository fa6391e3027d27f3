// Copyright 2025 Tom Barlow
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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/benchctl/internal/catalog"
)

func newListCommand() *cobra.Command {
	var outputDir string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs under an output directory",
		Example: `  # Example 1: List every run
  benchctl list --output-dir ./runs

  # Example 2: Get runs as JSON for scripting
  benchctl list --output-dir ./runs --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := catalog.New()
			runs, err := c.List(outputDir)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(runs)
			}

			if len(runs) == 0 {
				fmt.Println("No runs found")
				return nil
			}

			fmt.Println("ID                   STATE      HOSTS  UPDATED")
			fmt.Println("-------------------- ---------- ------ -------------------")
			for _, r := range runs {
				updated := "-"
				if r.UpdatedTS > 0 {
					updated = time.Unix(r.UpdatedTS, 0).Local().Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%-20s %-10s %-6d %s\n", r.ID, r.TerminalState, r.HostCount, updated)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Root directory containing run subdirectories")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output machine-readable JSON")
	cmd.MarkFlagRequired("output-dir")
	return cmd
}

func newShowCommand() *cobra.Command {
	var outputDir string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <run-id|latest>",
		Short: "Show a run's full journal and artifact listing",
		Args:  cobra.ExactArgs(1),
		Example: `  # Example 1: Show the most recent run
  benchctl show latest --output-dir ./runs

  # Example 2: Show a specific run as JSON
  benchctl show run-2026-07-31 --output-dir ./runs --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := catalog.New()
			result, err := c.Show(outputDir, args[0])
			if err != nil {
				return fmt.Errorf("show run: %w", err)
			}

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(result)
			}

			fmt.Printf("Run ID:   %s\n", result.Info.ID)
			fmt.Printf("State:    %s\n", result.Info.TerminalState)
			fmt.Printf("Hosts:    %d\n", result.Info.HostCount)
			fmt.Println("\nTasks:")
			for key, task := range result.Tasks {
				fmt.Printf("  %-40s %-10s attempts=%d\n", key, task.Status, task.Attempts)
			}
			fmt.Println("\nArtifacts:")
			for _, path := range result.Artifacts {
				fmt.Printf("  %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Root directory containing run subdirectories")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output machine-readable JSON")
	cmd.MarkFlagRequired("output-dir")
	return cmd
}
