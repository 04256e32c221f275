// Package cli implements the chunkup command line tool.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by the tool.
const EnvPrefix = "CHUNKUP"

// ErrUploadFailed is returned when at least one file did not complete.
var ErrUploadFailed = errors.New("some files were not uploaded")

// NewRootCommand builds the command tree. Progress is written to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	v := viper.New()
	logger := log.NewLogger()

	root := &cobra.Command{
		Use:           "chunkup",
		Short:         "Resumable chunked file uploads",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(cmd, v); err != nil {
				return err
			}
			verbose, _ := cmd.Flags().GetBool("verbose")
			logger.EnableDebugLog(verbose || v.GetBool("verbose"))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(out)
	root.PersistentFlags().String("config", "", "Config file (yaml, json or toml)")
	root.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	root.AddCommand(newUploadCommand(v, logger))
	return root
}

// initConfig binds flags and the environment, then reads the config file if one is set.
func initConfig(cmd *cobra.Command, v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = v.GetString("config")
	}
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// Execute runs the tool and returns the process exit code.
func Execute(ctx context.Context, args []string, out, errOut io.Writer) int {
	root := NewRootCommand(out)
	root.SetErr(errOut)
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, ErrUploadFailed) {
			_, _ = fmt.Fprintf(errOut, "Error: %s\n", err)
		}
		return 1
	}
	return 0
}
