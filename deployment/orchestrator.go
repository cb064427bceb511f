package deployment

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/agrotrace/trace-deployer/log"
)

// Options configures an Orchestrator. Network, ChainID and Account only
// describe the run; Journal and Report may be nil.
type Options struct {
	Network string
	ChainID uint64
	Account common.Address
	// Journal receives an audit trail of the run.
	Journal Journal
	// Report receives one "<Name> deployed to: <address>" line per
	// confirmed deployment.
	Report io.Writer
}

// Orchestrator deploys the contracts of a plan one after another.
type Orchestrator struct {
	plan     *Plan
	deployer Deployer
	opts     Options
}

// New returns an orchestrator for the given plan and deployer.
func New(plan *Plan, deployer Deployer, opts Options) (*Orchestrator, error) {
	if plan == nil || plan.Len() == 0 {
		return nil, fmt.Errorf("%w: empty plan", ErrInvalidConfig)
	}
	if deployer == nil {
		return nil, fmt.Errorf("%w: no deployer", ErrInvalidConfig)
	}
	if opts.Report == nil {
		opts.Report = io.Discard
	}
	return &Orchestrator{
		plan:     plan,
		deployer: deployer,
		opts:     opts,
	}, nil
}

// Run executes the plan. It always returns the run, which on failure holds
// the units deployed before the failing step. The returned error is a
// *StepError when a step fails.
func (o *Orchestrator) Run(ctx context.Context) (*Run, error) {
	run := &Run{
		ID:        uuid.New(),
		Network:   o.opts.Network,
		ChainID:   o.opts.ChainID,
		Account:   o.opts.Account,
		StartedAt: time.Now(),
		Status:    RunInProgress,
		Units:     o.plan.newUnits(),
	}
	if o.opts.Journal != nil {
		if err := o.opts.Journal.StartRun(run); err != nil {
			return run, fmt.Errorf("start run journal: %w", err)
		}
	}
	log.Infow("starting deployment run",
		"run", run.ID.String(),
		"network", run.Network,
		"chainID", run.ChainID,
		"account", run.Account.Hex(),
		"contracts", len(run.Units))

	resolved := make(map[string]common.Address, len(run.Units))
	for i, unit := range run.Units {
		step := i + 1
		if err := o.deployStep(ctx, step, unit, resolved); err != nil {
			stepErr := &StepError{Step: step, Contract: unit.Name, Err: err}
			o.finish(run, RunAborted, stepErr)
			return run, stepErr
		}
		resolved[unit.Name] = unit.Address

		if o.opts.Journal != nil {
			if err := o.opts.Journal.RecordDeployment(run.ID, i, unit); err != nil {
				// the contract is already on chain, keep going
				log.Warnw("failed to journal deployment", "contract", unit.Name, "error", err)
			}
		}
		if _, err := fmt.Fprintf(o.opts.Report, "%s deployed to: %s\n", unit.Name, unit.Address.Hex()); err != nil {
			log.Warnw("failed to report deployment",
				"contract", unit.Name,
				"address", unit.Address.Hex(),
				"error", err)
		}
	}
	o.finish(run, RunCompleted, nil)
	return run, nil
}

// deployStep deploys a single unit once all its constructor arguments are
// known, and fills in the unit with the receipt.
func (o *Orchestrator) deployStep(ctx context.Context, step int, unit *Unit, resolved map[string]common.Address) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDeployment, err)
	}
	args := make([]common.Address, len(unit.Dependencies))
	for j, dep := range unit.Dependencies {
		addr, ok := resolved[dep]
		if !ok || addr == (common.Address{}) {
			return fmt.Errorf("%w: %s needs %s", ErrUnresolvedDependency, unit.Name, dep)
		}
		args[j] = addr
	}
	unit.ConstructorArgs = args

	log.Infow("deploying contract",
		"step", step,
		"contract", unit.Name,
		"args", addressStrings(args))
	start := time.Now()
	receipt, err := o.deployer.Deploy(ctx, unit.Name, args...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeployment, err)
	}
	if receipt == nil || receipt.Address == (common.Address{}) {
		return fmt.Errorf("%w: no contract address", ErrInvalidReceipt)
	}
	for dep, addr := range resolved {
		if addr == receipt.Address {
			return fmt.Errorf("%w: address %s already used by %s", ErrInvalidReceipt, addr.Hex(), dep)
		}
	}

	unit.Address = receipt.Address
	unit.TxHash = receipt.TxHash
	unit.BlockNumber = receipt.BlockNumber
	unit.GasUsed = receipt.GasUsed
	unit.Source = receipt.Source
	unit.Deployed = true
	unit.DeployedAt = time.Now()
	log.Infow("contract deployed",
		"step", step,
		"contract", unit.Name,
		"address", unit.Address.Hex(),
		"tx", unit.TxHash.Hex(),
		"block", unit.BlockNumber,
		"gasUsed", unit.GasUsed,
		"elapsed", time.Since(start).String())
	return nil
}

func (o *Orchestrator) finish(run *Run, status RunStatus, cause error) {
	run.Status = status
	run.FinishedAt = time.Now()
	if cause != nil {
		run.Error = cause.Error()
	}
	if o.opts.Journal != nil {
		if err := o.opts.Journal.FinishRun(run); err != nil {
			log.Warnw("failed to journal run result", "run", run.ID.String(), "error", err)
		}
	}
	log.Infow("deployment run finished",
		"run", run.ID.String(),
		"status", string(status),
		"deployed", len(run.Addresses()),
		"duration", run.FinishedAt.Sub(run.StartedAt).String())
}

func addressStrings(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}
