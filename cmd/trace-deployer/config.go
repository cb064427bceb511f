package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/agrotrace/trace-deployer/config"
	"github.com/agrotrace/trace-deployer/deployment"
	"github.com/agrotrace/trace-deployer/log"
)

const (
	defaultNetwork       = "sepolia"
	defaultConfirmations = 1
	defaultDeployTimeout = 10 * time.Minute
	defaultLogLevel      = "info"
	defaultLogOutput     = "stderr"
	defaultJournalDir    = ".trace-deployer" // prefixed with the user's home directory
	defaultEnvFile       = ".env"
	envPrefix            = "TRACE"
)

// Version is the build version, set at build time with -ldflags
var Version = "dev"

// Config holds the application configuration
type Config struct {
	Web3      Web3Config      `mapstructure:"web3"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Deploy    DeployConfig    `mapstructure:"deploy"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Log       LogConfig       `mapstructure:"log"`
	Env       string          `mapstructure:"env"`
}

// Web3Config holds Ethereum-related configuration
type Web3Config struct {
	PrivKey   string   `mapstructure:"privkey"`
	Network   string   `mapstructure:"network"`
	Rpc       []string `mapstructure:"rpc"`
	Chainlist bool     `mapstructure:"chainlist"`
}

// ArtifactsConfig locates the compiled contracts
type ArtifactsConfig struct {
	Dir  string `mapstructure:"dir"`
	Solc string `mapstructure:"solc"`
}

// DeployConfig holds the deployment policy
type DeployConfig struct {
	Confirmations uint64        `mapstructure:"confirmations"`
	Timeout       time.Duration `mapstructure:"timeout"`
	DryRun        bool          `mapstructure:"dryrun"`
}

// JournalConfig holds the deployment journal configuration
type JournalConfig struct {
	Dir     string `mapstructure:"dir"`
	Disable bool   `mapstructure:"disable"`
	List    bool   `mapstructure:"list"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// legacyEnv maps the variables used by the Hardhat setup to config keys.
var legacyEnv = map[string]string{
	"web3.rpc":     "SEPOLIA_RPC_URL",
	"web3.privkey": "PRIVATE_KEY",
}

func newFlagSet(usageOut io.Writer, defaultJournal string) *flag.FlagSet {
	flags := flag.NewFlagSet("trace-deployer", flag.ContinueOnError)
	flags.StringP("web3.privkey", "k", "", "private key of the deployer account (or PRIVATE_KEY)")
	flags.StringP("web3.network", "n", defaultNetwork, fmt.Sprintf("network to deploy to %v", config.AvailableNetworks))
	flags.StringSliceP("web3.rpc", "w", []string{}, "web3 rpc endpoint(s), comma-separated (or SEPOLIA_RPC_URL)")
	flags.Bool("web3.chainlist", false, "add public endpoints from chainlist.org")
	flags.StringP("artifacts.dir", "a", config.DefaultArtifactsDir, "Hardhat artifacts directory")
	flags.String("artifacts.solc", config.SolidityVersion, "expected Solidity compiler version, empty to skip the check")
	flags.Uint64P("deploy.confirmations", "c", defaultConfirmations, "blocks required to consider a deployment final")
	flags.DurationP("deploy.timeout", "t", defaultDeployTimeout, "maximum time for a single deployment (i.e 10m or 1h)")
	flags.Bool("deploy.dryrun", false, "validate configuration and artifacts, print the plan and exit")
	flags.StringP("journal.dir", "d", defaultJournal, "data directory of the deployment journal")
	flags.Bool("journal.disable", false, "do not journal the run")
	flags.Bool("journal.list", false, "list journaled runs and exit")
	flags.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error)")
	flags.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flags.String("env", defaultEnvFile, "dotenv file to read, ignored if missing")

	flags.Usage = func() {
		fmt.Fprintf(usageOut, "trace-deployer v%s\n\n", Version)
		fmt.Fprintf(usageOut, "Usage: trace-deployer [flags]\n\n")
		fmt.Fprintf(usageOut, "Flags:\n")
		flags.PrintDefaults()
		fmt.Fprintf(usageOut, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(usageOut, "  except for dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(usageOut, "  For example, TRACE_WEB3_PRIVKEY or TRACE_DEPLOY_TIMEOUT\n")
		fmt.Fprintf(usageOut, "  SEPOLIA_RPC_URL and PRIVATE_KEY are read as well, also from the .env file.\n")
		fmt.Fprintf(usageOut, "\nExamples:\n")
		fmt.Fprintf(usageOut, "  # Deploy to sepolia using the .env file\n")
		fmt.Fprintf(usageOut, "  trace-deployer\n\n")
		fmt.Fprintf(usageOut, "  # Deploy to a local Hardhat node\n")
		fmt.Fprintf(usageOut, "  trace-deployer --web3.network=localhost --web3.privkey=0x123...\n\n")
		fmt.Fprintf(usageOut, "  # Check the artifacts without sending anything\n")
		fmt.Fprintf(usageOut, "  trace-deployer --deploy.dryrun\n")
	}
	flags.SetOutput(usageOut)
	flags.SortFlags = false
	return flags
}

// loadConfig loads configuration from flags, environment variables, the
// dotenv file and defaults, in that order of precedence.
func loadConfig(args []string, usageOut io.Writer) (*Config, error) {
	v := viper.New()

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultJournal := filepath.Join(userHomeDir, defaultJournalDir)

	flags := newFlagSet(usageOut, defaultJournal)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy); err != nil {
			return nil, fmt.Errorf("error binding env %s: %w", legacy, err)
		}
	}
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}
	if err := loadDotEnv(v, v.GetString("env")); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Web3.Rpc = splitList(cfg.Web3.Rpc)
	return cfg, nil
}

// loadDotEnv reads path as a dotenv file and applies its values as defaults,
// so flags and the process environment take precedence. A missing file is
// not an error.
func loadDotEnv(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	dotenv := viper.New()
	dotenv.SetConfigFile(path)
	dotenv.SetConfigType("env")
	if err := dotenv.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error reading %s: %w", path, err)
	}
	for key, legacy := range legacyEnv {
		if dotenv.IsSet(strings.ToLower(legacy)) {
			v.SetDefault(key, dotenv.GetString(strings.ToLower(legacy)))
		}
	}
	prefix := strings.ToLower(envPrefix) + "_"
	for _, name := range dotenv.AllKeys() {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		// section and key names contain no underscores
		key := strings.Replace(rest, "_", ".", 1)
		v.SetDefault(key, dotenv.GetString(name))
	}
	log.Debugw("dotenv file loaded", "path", path, "keys", len(dotenv.AllKeys()))
	return nil
}

// splitList accepts both repeated values and comma-separated ones, which is
// how a single environment variable carries several endpoints.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// validateConfig validates the loaded configuration
func validateConfig(cfg *Config) error {
	if !log.ValidLevel(cfg.Log.Level) {
		return fmt.Errorf("%w: invalid log level %q", deployment.ErrInvalidConfig, cfg.Log.Level)
	}
	if cfg.Journal.List {
		return nil
	}
	if !slices.Contains(config.AvailableNetworks, cfg.Web3.Network) {
		return fmt.Errorf("%w: invalid network %s, available networks: %v",
			deployment.ErrInvalidConfig, cfg.Web3.Network, config.AvailableNetworks)
	}
	if cfg.Artifacts.Dir == "" {
		return fmt.Errorf("%w: artifacts directory is required", deployment.ErrInvalidConfig)
	}
	if cfg.Deploy.DryRun {
		return nil
	}
	if cfg.Web3.PrivKey == "" {
		return fmt.Errorf("%w: private key is required (use --web3.privkey flag or PRIVATE_KEY environment variable)",
			deployment.ErrInvalidConfig)
	}
	if cfg.Deploy.Confirmations == 0 {
		return fmt.Errorf("%w: at least one confirmation is required", deployment.ErrInvalidConfig)
	}
	if cfg.Deploy.Timeout <= 0 {
		return fmt.Errorf("%w: deploy timeout must be positive", deployment.ErrInvalidConfig)
	}
	return nil
}
