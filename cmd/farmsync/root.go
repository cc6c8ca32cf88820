package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperengineering/farmsync"
	"github.com/hyperengineering/farmsync/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgDBPath    string
	cfgWorkspace string
	cfgAPIURL    string
	cfgAPIToken  string
	cfgFile      string
	cfgLogLevel  string
	cfgOffline   bool
	outputJSON   bool

	// effectiveToken is the token from any source, kept for redaction.
	effectiveToken string
)

var rootCmd = &cobra.Command{
	Use:   "farmsync",
	Short: "farmsync - offline farmer registration sync",
	Long: `farmsync captures farmer registrations on a field device and
synchronizes them with the registration service when a connection is available.

Registrations are stored locally first and keep a temporary ID until the
service accepts them and assigns a permanent farmer ID.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if isTTY() && !outputJSON {
			fmt.Fprintln(cmd.OutOrStdout(), renderBannerWithTagline())
		}
		return cmd.Help()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgDBPath, "db", "", "Path to local database (default: derived from workspace)")
	pf.StringVarP(&cfgWorkspace, "workspace", "w", "", "Workspace ID (default: $FARMSYNC_WORKSPACE or 'default')")
	pf.StringVar(&cfgAPIURL, "api-url", "", "Base URL of the registration service")
	pf.StringVar(&cfgAPIToken, "token", "", "Bearer token for the registration service")
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ~/.farmsync/config.yaml)")
	pf.StringVar(&cfgLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&cfgOffline, "offline", false, "Disable all network operations")
	pf.BoolVar(&outputJSON, "json", false, "Output as JSON")
}

// defaultConfigPath returns ~/.farmsync/config.yaml.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".farmsync", "config.yaml")
}

// loadConfig builds the effective configuration.
// Precedence: defaults < config file < environment < flags.
func loadConfig() (farmsync.Config, error) {
	cfg := farmsync.DefaultConfig()

	path := cfgFile
	if path == "" {
		path = defaultConfigPath()
	}
	if path != "" {
		var err error
		cfg, err = cfg.LoadConfigFile(path)
		if err != nil {
			return cfg, err
		}
	}

	cfg = cfg.ApplyEnv()

	if cfgDBPath != "" {
		cfg.LocalPath = cfgDBPath
	}
	if cfgWorkspace != "" {
		cfg.Workspace = cfgWorkspace
	}
	if cfgAPIURL != "" {
		cfg.APIURL = cfgAPIURL
	}
	if cfgAPIToken != "" {
		cfg.APIToken = cfgAPIToken
	}
	if cfgLogLevel != "" {
		cfg.LogLevel = cfgLogLevel
	}
	if cfgOffline {
		cfg.OfflineMode = true
	}

	effectiveToken = cfg.APIToken
	return cfg.WithDefaults(), nil
}

// openClient loads configuration and opens a client for a one-shot command.
// Background sync and the flush on close are off, so only sync and retry
// --sync talk to the registration service. Logs are console formatted at warn level unless
// the environment or --log-level says otherwise.
func openClient(opts ...farmsync.ClientOption) (*farmsync.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.AutoSync = false
	if os.Getenv("FARMSYNC_LOG_FORMAT") == "" {
		cfg.LogFormat = logging.FormatConsole
	}
	if cfgLogLevel == "" && os.Getenv("FARMSYNC_LOG_LEVEL") == "" {
		cfg.LogLevel = "warn"
	}
	return newClient(cfg, append([]farmsync.ClientOption{farmsync.WithoutCloseFlush()}, opts...)...)
}

// baseClientOptions are applied to every client before command options.
var baseClientOptions []farmsync.ClientOption

func newClient(cfg farmsync.Config, opts ...farmsync.ClientOption) (*farmsync.Client, error) {
	client, err := farmsync.New(cfg, append(append([]farmsync.ClientOption{}, baseClientOptions...), opts...)...)
	if err != nil {
		return nil, fmt.Errorf("initialize client: %w", err)
	}
	return client, nil
}
