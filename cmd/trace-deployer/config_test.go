package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/agrotrace/trace-deployer/config"
	"github.com/agrotrace/trace-deployer/deployment"
)

func TestLoadConfigDefaults(t *testing.T) {
	c := qt.New(t)
	cleanEnv(t)
	cfg, err := loadConfig([]string{"--env", ""}, io.Discard)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Web3.Network, qt.Equals, defaultNetwork)
	c.Assert(cfg.Web3.Rpc, qt.HasLen, 0)
	c.Assert(cfg.Artifacts.Dir, qt.Equals, config.DefaultArtifactsDir)
	c.Assert(cfg.Artifacts.Solc, qt.Equals, config.SolidityVersion)
	c.Assert(cfg.Deploy.Confirmations, qt.Equals, uint64(defaultConfirmations))
	c.Assert(cfg.Deploy.Timeout, qt.Equals, defaultDeployTimeout)
	c.Assert(filepath.Base(cfg.Journal.Dir), qt.Equals, defaultJournalDir)
}

func TestLoadConfigLegacyEnv(t *testing.T) {
	c := qt.New(t)
	cleanEnv(t)
	t.Setenv("SEPOLIA_RPC_URL", "https://rpc1.example, https://rpc2.example")
	t.Setenv("PRIVATE_KEY", "0x01")
	t.Setenv("TRACE_DEPLOY_TIMEOUT", "90s")

	cfg, err := loadConfig([]string{"--env", ""}, io.Discard)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Web3.Rpc, qt.DeepEquals, []string{"https://rpc1.example", "https://rpc2.example"})
	c.Assert(cfg.Web3.PrivKey, qt.Equals, "0x01")
	c.Assert(cfg.Deploy.Timeout, qt.Equals, 90*time.Second)

	cfg, err = loadConfig([]string{"--env", "", "--web3.privkey", "0x02", "-w", "http://localhost:8545"}, io.Discard)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Web3.PrivKey, qt.Equals, "0x02")
	c.Assert(cfg.Web3.Rpc, qt.DeepEquals, []string{"http://localhost:8545"})
}

func TestLoadConfigDotEnv(t *testing.T) {
	c := qt.New(t)
	cleanEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	c.Assert(os.WriteFile(path, []byte(
		"SEPOLIA_RPC_URL=https://rpc.example\n"+
			"PRIVATE_KEY=0xabc\n"+
			"TRACE_DEPLOY_CONFIRMATIONS=3\n"+
			"UNRELATED=1\n"), 0o600), qt.IsNil)

	cfg, err := loadConfig([]string{"--env", path}, io.Discard)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Web3.Rpc, qt.DeepEquals, []string{"https://rpc.example"})
	c.Assert(cfg.Web3.PrivKey, qt.Equals, "0xabc")
	c.Assert(cfg.Deploy.Confirmations, qt.Equals, uint64(3))

	// the process environment wins over the file
	t.Setenv("PRIVATE_KEY", "0xdef")
	cfg, err = loadConfig([]string{"--env", path}, io.Discard)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Web3.PrivKey, qt.Equals, "0xdef")

	// a missing file is ignored
	_, err = loadConfig([]string{"--env", filepath.Join(t.TempDir(), "missing.env")}, io.Discard)
	c.Assert(err, qt.IsNil)
}

func TestValidateConfig(t *testing.T) {
	c := qt.New(t)
	valid := func() *Config {
		return &Config{
			Web3:      Web3Config{PrivKey: "0x01", Network: "localhost"},
			Artifacts: ArtifactsConfig{Dir: "artifacts"},
			Deploy:    DeployConfig{Confirmations: 1, Timeout: time.Minute},
			Log:       LogConfig{Level: "info"},
		}
	}
	c.Assert(validateConfig(valid()), qt.IsNil)

	for name, mutate := range map[string]func(*Config){
		"log level":     func(cfg *Config) { cfg.Log.Level = "verbose" },
		"network":       func(cfg *Config) { cfg.Web3.Network = "mainnet" },
		"key":           func(cfg *Config) { cfg.Web3.PrivKey = "" },
		"confirmations": func(cfg *Config) { cfg.Deploy.Confirmations = 0 },
		"timeout":       func(cfg *Config) { cfg.Deploy.Timeout = 0 },
		"artifacts":     func(cfg *Config) { cfg.Artifacts.Dir = "" },
	} {
		cfg := valid()
		mutate(cfg)
		c.Assert(validateConfig(cfg), qt.ErrorIs, deployment.ErrInvalidConfig, qt.Commentf("%s", name))
	}

	dry := valid()
	dry.Web3.PrivKey = ""
	dry.Deploy.DryRun = true
	c.Assert(validateConfig(dry), qt.IsNil)
}
