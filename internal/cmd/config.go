package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/islombek4642/tgsecret/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or check tgsecret configuration",
	Long: `View or check tgsecret configuration.

Without arguments, displays the effective configuration: defaults,
overridden by the config file, overridden by TGSECRET_* environment
variables.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration as YAML",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

// secretKeys are masked by config show.
var secretKeys = map[string]bool{
	"api.jwt_secret":         true,
	"storage.encryption_key": true,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	settings := displaySettings("", viper.AllSettings())
	delete(settings, "config")

	out, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	w := cmd.OutOrStdout()
	if file := viper.ConfigFileUsed(); file != "" {
		fmt.Fprintf(w, "# %s\n", file)
	}
	_, err = w.Write(out)
	return err
}

// displaySettings renders durations as strings and masks secrets.
func displaySettings(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = displaySettings(key, val)
		case time.Duration:
			out[k] = val.String()
		default:
			if secretKeys[key] && fmt.Sprint(v) != "" {
				out[k] = "<redacted>"
				continue
			}
			out[k] = v
		}
	}
	return out
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(); err != nil {
		return err
	}
	file := viper.ConfigFileUsed()
	if file == "" {
		file = "defaults and environment"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%s)\n", file)
	return nil
}
