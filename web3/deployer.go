// Package web3 deploys the traceability contracts on an Ethereum network.
package web3

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agrotrace/trace-deployer/artifacts"
	"github.com/agrotrace/trace-deployer/config"
	"github.com/agrotrace/trace-deployer/deployment"
	"github.com/agrotrace/trace-deployer/log"
	"github.com/agrotrace/trace-deployer/web3/txmanager"
)

var (
	// ErrReverted is returned when a deployment transaction reverts.
	ErrReverted = txmanager.ErrReverted
	// ErrNoCode is returned when no code is found at the created address.
	ErrNoCode = errors.New("no contract code at deployed address")
	// ErrUnknownContract is returned when asked to deploy a contract with no
	// loaded artifact.
	ErrUnknownContract = errors.New("unknown contract")
)

// Deployer creates contracts from their artifacts through a transaction
// manager. It implements deployment.Deployer.
type Deployer struct {
	tm        *txmanager.TxManager
	artifacts map[string]*artifacts.Artifact
	timeout   time.Duration
}

var _ deployment.Deployer = (*Deployer)(nil)

// NewDeployer returns a deployer for the given artifacts, indexed by contract
// name. A non-zero timeout bounds every single deployment, confirmations
// included.
func NewDeployer(tm *txmanager.TxManager, arts map[string]*artifacts.Artifact, timeout time.Duration) (*Deployer, error) {
	if tm == nil {
		return nil, fmt.Errorf("%w: no transaction manager", deployment.ErrInvalidConfig)
	}
	if len(arts) == 0 {
		return nil, fmt.Errorf("%w: no artifacts", deployment.ErrInvalidConfig)
	}
	return &Deployer{tm: tm, artifacts: arts, timeout: timeout}, nil
}

// Deploy sends the creation transaction of contract with args as constructor
// arguments and blocks until it is confirmed.
func (d *Deployer) Deploy(ctx context.Context, contract string, args ...common.Address) (*deployment.Receipt, error) {
	art, ok := d.artifacts[contract]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, contract)
	}
	data, err := art.DeployData(args...)
	if err != nil {
		return nil, err
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	receipt, err := d.tm.SendAndWait(ctx, txmanager.Request{Data: data})
	if err != nil {
		if reason := revertReason(art, err); reason != "" {
			return nil, fmt.Errorf("deploy %s: %w (reason: %s)", contract, err, reason)
		}
		return nil, fmt.Errorf("deploy %s: %w", contract, err)
	}
	addr := receipt.ContractAddress
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("deploy %s: receipt %s has no contract address", contract, receipt.TxHash.Hex())
	}
	code, err := d.tm.Backend().CodeAt(ctx, addr, receipt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("deploy %s: get code at %s: %w", contract, addr.Hex(), err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("deploy %s: %w: %s", contract, ErrNoCode, addr.Hex())
	}
	log.Debugw("contract code verified",
		"contract", contract,
		"address", addr.Hex(),
		"codeSize", len(code))
	r := &deployment.Receipt{
		Address:     addr,
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}
	if art.Metadata != nil {
		r.Source = art.Metadata.Source
	}
	return r, nil
}

// LoadArtifacts loads and validates the artifact of every contract in plan
// from dir. Every constructor must take one address per dependency, and when
// solc is not empty every artifact must have been built by a compatible
// compiler. All failures wrap deployment.ErrInvalidConfig.
func LoadArtifacts(dir string, plan *deployment.Plan, solc string) (map[string]*artifacts.Artifact, error) {
	steps := plan.Steps()
	arts := make(map[string]*artifacts.Artifact, len(steps))
	for _, step := range steps {
		art, err := loadArtifact(dir, step, solc)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", deployment.ErrInvalidConfig, err)
		}
		arts[step.Name] = art
	}
	log.Infow("artifacts loaded", "dir", dir, "contracts", len(arts), "solc", solc)
	return arts, nil
}

func loadArtifact(dir string, step config.ContractSpec, solc string) (*artifacts.Artifact, error) {
	art, err := artifacts.Load(dir, step.Name)
	if err != nil {
		return nil, err
	}
	if err := art.CheckConstructor(len(step.Dependencies)); err != nil {
		return nil, err
	}
	if solc != "" {
		if err := art.CheckCompiler(solc); err != nil {
			return nil, err
		}
	}
	return art, nil
}
