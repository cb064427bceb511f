package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/agrotrace/trace-deployer/config"
	"github.com/agrotrace/trace-deployer/crypto/ethereum"
	"github.com/agrotrace/trace-deployer/db"
	"github.com/agrotrace/trace-deployer/db/pebbledb"
	"github.com/agrotrace/trace-deployer/deployment"
	"github.com/agrotrace/trace-deployer/log"
	"github.com/agrotrace/trace-deployer/storage"
	"github.com/agrotrace/trace-deployer/web3"
	"github.com/agrotrace/trace-deployer/web3/txmanager"
)

// rpcReadyTimeout bounds the wait for a local development node.
const rpcReadyTimeout = time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and returns the process exit code. Report
// lines go to stdout, errors to stderr.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error loading configuration: %v\n", err)
		return 1
	}
	if err := validateConfig(cfg); err != nil {
		fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return 1
	}
	log.Init(cfg.Log.Level, cfg.Log.Output, nil)
	log.Infow("starting trace-deployer", "version", Version, "network", cfg.Web3.Network)

	if cfg.Journal.List {
		return exitCode(listRuns(cfg.Journal.Dir, stdout), stderr)
	}

	plan, err := deployment.NewPlan(config.TraceabilityPlan)
	if err != nil {
		return exitCode(err, stderr)
	}
	arts, err := web3.LoadArtifacts(cfg.Artifacts.Dir, plan, cfg.Artifacts.Solc)
	if err != nil {
		return exitCode(err, stderr)
	}
	if cfg.Deploy.DryRun {
		printPlan(plan, stdout)
		return 0
	}

	network := config.DefaultNetworks[cfg.Web3.Network]
	signer, err := ethereum.NewSignerFromHex(cfg.Web3.PrivKey)
	if err != nil {
		return exitCode(fmt.Errorf("%w: %w", deployment.ErrInvalidConfig, err), stderr)
	}
	tm, closeNet, err := setupNetwork(ctx, cfg, network, signer)
	if err != nil {
		return exitCode(err, stderr)
	}
	defer closeNet()
	deployer, err := web3.NewDeployer(tm, arts, cfg.Deploy.Timeout)
	if err != nil {
		return exitCode(err, stderr)
	}

	opts := deployment.Options{
		Network: cfg.Web3.Network,
		ChainID: network.ChainID,
		Account: signer.Address(),
	}
	if !cfg.Journal.Disable {
		journal, err := openJournal(cfg.Journal.Dir)
		if err != nil {
			return exitCode(err, stderr)
		}
		defer func() {
			if err := journal.Close(); err != nil {
				log.Warnw("failed to close journal", "error", err)
			}
		}()
		opts.Journal = journal
	}
	return execute(ctx, plan, deployer, opts, stdout, stderr)
}

// execute runs the plan, reporting each deployment on stdout as it is
// confirmed. It returns the exit code.
func execute(ctx context.Context, plan *deployment.Plan, deployer deployment.Deployer, opts deployment.Options,
	stdout, stderr io.Writer,
) int {
	opts.Report = stdout
	orch, err := deployment.New(plan, deployer, opts)
	if err != nil {
		return exitCode(err, stderr)
	}
	result, err := orch.Run(ctx)
	if err != nil {
		log.Warnw("deployment aborted",
			"run", result.ID.String(),
			"deployed", len(result.Addresses()),
			"planned", plan.Len())
		return exitCode(err, stderr)
	}
	return 0
}

// setupNetwork connects to the configured endpoints and returns a
// transaction manager for signer, along with a function releasing the
// connections.
func setupNetwork(ctx context.Context, cfg *Config, network config.NetworkConfig, signer *ethereum.Signer,
) (*txmanager.TxManager, func(), error) {
	rpcs := cfg.Web3.Rpc
	if len(rpcs) == 0 && network.DefaultRPC != "" {
		rpcs = []string{network.DefaultRPC}
	}
	if network.Local {
		for _, uri := range rpcs {
			readyCtx, cancel := context.WithTimeout(ctx, rpcReadyTimeout)
			err := web3.WaitReadyRPC(readyCtx, uri)
			cancel()
			if err != nil {
				return nil, nil, err
			}
		}
	}
	if cfg.Web3.Chainlist && network.ChainlistName != "" {
		discovered, err := web3.DiscoverEndpoints(ctx, network.ChainID, network.ChainlistName)
		if err != nil {
			log.Warnw("public endpoint discovery failed", "network", cfg.Web3.Network, "error", err)
		}
		rpcs = append(rpcs, discovered...)
	}
	if len(rpcs) == 0 {
		return nil, nil, fmt.Errorf("%w: no RPC endpoint for network %s (use --web3.rpc or SEPOLIA_RPC_URL)",
			deployment.ErrInvalidConfig, cfg.Web3.Network)
	}

	pool, cli, err := web3.Connect(ctx, rpcs, network.ChainID)
	if err != nil {
		return nil, nil, err
	}
	txCfg := txmanager.DefaultConfig(network.ChainID)
	txCfg.Confirmations = cfg.Deploy.Confirmations
	tm, err := txmanager.New(ctx, cli, signer, txCfg)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("%w: %w", deployment.ErrInvalidConfig, err)
	}
	if _, err := web3.CheckBalance(ctx, cli, signer.Address()); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return tm, pool.Close, nil
}

func openJournal(dir string) (*storage.Storage, error) {
	database, err := pebbledb.New(db.Options{Path: dir})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	log.Debugw("journal opened", "dir", dir)
	return storage.New(database), nil
}

// listRuns prints the journaled runs, oldest first, with their deployments.
func listRuns(dir string, out io.Writer) error {
	journal, err := openJournal(dir)
	if err != nil {
		return err
	}
	defer func() {
		if err := journal.Close(); err != nil {
			log.Warnw("failed to close journal", "error", err)
		}
	}()
	runs, err := journal.Runs()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, time.UnixMilli(r.StartedAt).UTC().Format(time.RFC3339), r.Network, r.Status, r.Duration())
		deployments, err := journal.Deployments(r.ID)
		if err != nil {
			return err
		}
		for _, d := range deployments {
			source := "-"
			if c, err := d.SourceCID(); err != nil {
				log.Warnw("unreadable source cid in journal", "run", r.ID, "contract", d.Contract, "error", err)
			} else if c.Defined() {
				source = c.String()
			}
			fmt.Fprintf(w, "\t%s\t%s\t%s\t%s\n", d.Contract, d.Address.Hex(), d.TxHash.Hex(), source)
		}
		if r.Error != "" {
			fmt.Fprintf(w, "\terror: %s\t\t\t\t\n", r.Error)
		}
	}
	return w.Flush()
}

func printPlan(plan *deployment.Plan, out io.Writer) {
	for i, step := range plan.Steps() {
		if len(step.Dependencies) == 0 {
			fmt.Fprintf(out, "%d. %s()\n", i+1, step.Name)
			continue
		}
		fmt.Fprintf(out, "%d. %s(%s)\n", i+1, step.Name, strings.Join(step.Dependencies, ", "))
	}
}

// exitCode prints err and returns the matching exit code.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	log.Errorw(err, "deployment failed")
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
