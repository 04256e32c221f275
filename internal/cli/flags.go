package cli

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// FlagLoader reads configuration values with CLI flag precedence. An
// explicitly set flag wins; otherwise viper's order applies: env, config
// file, flag default.
type FlagLoader struct {
	cmd *cobra.Command
	v   *viper.Viper
}

// NewFlagLoader ...
func NewFlagLoader(cmd *cobra.Command, v *viper.Viper) *FlagLoader {
	return &FlagLoader{cmd: cmd, v: v}
}

// String ...
func (f *FlagLoader) String(name string) string {
	if f.cmd.Flags().Changed(name) {
		val, _ := f.cmd.Flags().GetString(name)
		return val
	}
	return f.v.GetString(name)
}

// Int ...
func (f *FlagLoader) Int(name string) int {
	if f.cmd.Flags().Changed(name) {
		val, _ := f.cmd.Flags().GetInt(name)
		return val
	}
	return f.v.GetInt(name)
}

// Bool ...
func (f *FlagLoader) Bool(name string) bool {
	if f.cmd.Flags().Changed(name) {
		val, _ := f.cmd.Flags().GetBool(name)
		return val
	}
	return f.v.GetBool(name)
}

// Duration ...
func (f *FlagLoader) Duration(name string) time.Duration {
	if f.cmd.Flags().Changed(name) {
		val, _ := f.cmd.Flags().GetDuration(name)
		return val
	}
	return f.v.GetDuration(name)
}

// StringSlice ...
func (f *FlagLoader) StringSlice(name string) []string {
	if f.cmd.Flags().Changed(name) {
		val, _ := f.cmd.Flags().GetStringSlice(name)
		return val
	}
	return f.v.GetStringSlice(name)
}

// Size parses a human readable size such as "5MiB" or "512k". An empty value
// is zero.
func (f *FlagLoader) Size(name string) (int64, error) {
	raw := f.String(name)
	if raw == "" {
		return 0, nil
	}
	size, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s: %w", name, err)
	}
	if size < 0 {
		return 0, fmt.Errorf("invalid --%s: negative size", name)
	}
	return size, nil
}
