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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := newRootCommand()
	root.AddCommand(newRunCommand())
	root.AddCommand(newResumeCommand())
	root.AddCommand(newListCommand())
	root.AddCommand(newShowCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeForCLIError(err))
	}
}

// newRootCommand builds the bare benchctl root, with --verbose as its only
// persistent flag and without the teacher's workflow-orchestration
// command tree this engine has no use for.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "benchctl",
		Short: "benchctl - Linux benchmark orchestration engine",
		Long: `benchctl plans, schedules, and executes repeated workload runs across one
or more target hosts, with graceful cancellation, a resumable journal, and
coordinated teardown.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().Bool("verbose", false, "Enable verbose logging")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("benchctl %s (commit %s, built %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

// exitCodeForCLIError maps a top-level cobra error (argument parsing,
// config load failure before a Controller even exists) to CONFIG_ERROR.
// Errors surfaced after a run starts carry their own exit code, set via
// os.Exit inside execute (run.go) directly rather than through this path.
func exitCodeForCLIError(err error) int {
	return 4
}
