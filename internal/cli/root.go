package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ppiankov/nadag/internal/model"
	"github.com/ppiankov/nadag/internal/observability"
)

const version = "nadag v0.1.0"

var (
	cfgFile   string
	verbose   bool
	configErr error
)

// replaced in tests, the default registry only accepts one set of collectors
var newMetrics = observability.NewMetrics

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "nadag",
	Short: "nadag - borehole, sounding and sample data from the NADAG feature API",
	Long: `nadag assembles geotechnical investigations from the Norwegian national
database for ground investigations (NADAG) inside a bounding box.

For every borehole it resolves the location record, the three sounding
methods (total, rotary pressure and cone penetration) with their measured
series, and optionally the lab samples taken from it. Results are written
as GeoJSON, to SQLite or to Kafka, or served over HTTP.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.nadag/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logging)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text, json")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	configErr = configure(viper.GetViper(), cfgFile)
	if configErr != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", configErr)
	}
}

// configure layers defaults, NADAG_* environment variables and the config
// file onto v. A missing default config file is not an error.
func configure(v *viper.Viper, file string) error {
	if err := setDefaults(v); err != nil {
		return err
	}

	// NADAG_API_BASE_URL overrides api.base_url
	v.SetEnvPrefix("NADAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		v.AddConfigPath(filepath.Join(home, ".nadag"))
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("%s: %w", v.ConfigFileUsed(), err)
	}
	if v.GetBool("verbose") {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", v.ConfigFileUsed())
	}
	return nil
}

// loadConfig decodes the merged settings of v over the built-in defaults.
func loadConfig(v *viper.Viper) (*model.Config, error) {
	cfg := model.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if v.GetBool("verbose") {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setup loads the process configuration and builds its logger.
func setup() (*model.Config, *slog.Logger, error) {
	if configErr != nil {
		return nil, nil, configErr
	}
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	return cfg, observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format), nil
}
