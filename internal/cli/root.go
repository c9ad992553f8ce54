// Package cli implements the tweetkb command-line interface.
package cli

import (
	goerrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tweetkb",
	Short: "Tweet-to-knowledge-base processing pipeline",
	Long: `tweetkb turns bookmarked posts into a curated Markdown knowledge base.

The pipeline runs five phases per item: cache, media analysis,
categorization, article generation, and database sync. Work is
submitted as tasks and executed by a worker pool; all commands share
one state database.

Quick start:
  tweetkb serve-worker                 Run the worker pool in the foreground
  tweetkb submit-task process_bookmarks   Queue a pipeline run
  tweetkb list-active-tasks            Show what is running
  tweetkb stats                        Per-status task and item counts`,
	SilenceUsage: true,
}

// misuseError marks flag and argument mistakes, exit code 2.
type misuseError struct {
	err error
}

func (e *misuseError) Error() string { return e.err.Error() }
func (e *misuseError) Unwrap() error { return e.err }

// Execute runs the CLI and returns the process exit code:
// 0 success, 1 operational failure, 2 misuse.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var mis *misuseError
		if goerrors.As(err, &mis) {
			return 2
		}
		return 1
	}
	return 0
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .tweetkb/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &misuseError{err}
	})

	rootCmd.AddCommand(newSubmitTaskCmd())
	rootCmd.AddCommand(newListActiveTasksCmd())
	rootCmd.AddCommand(newListStaleTasksCmd())
	rootCmd.AddCommand(newCancelTaskCmd())
	rootCmd.AddCommand(newRevokeAllCmd())
	rootCmd.AddCommand(newResetAgentStateCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newCacheAuditCmd())
	rootCmd.AddCommand(newServeWorkerCmd())
}

// exactArgs is cobra.ExactArgs with misuse semantics.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return &misuseError{fmt.Errorf("%q expects %d argument(s), got %d", cmd.Name(), n, len(args))}
		}
		return nil
	}
}

// initConfig overlays config-file values onto the environment. The
// environment always wins; config.Load reads only the environment.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".tweetkb")
		viper.AddConfigPath("$HOME/.tweetkb")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		return
	}
	for _, key := range viper.AllKeys() {
		env := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(env) == "" {
			_ = os.Setenv(env, viper.GetString(key))
		}
	}
}
