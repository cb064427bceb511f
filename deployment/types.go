package deployment

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
)

// Receipt is the outcome of a confirmed contract deployment.
type Receipt struct {
	Address     common.Address
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	// Source is the IPFS CID of the compiler metadata embedded in the
	// runtime code, or cid.Undef when the artifact carries none.
	Source cid.Cid
}

// Deployer creates a single contract. Deploy must block until the deployment
// transaction is confirmed, or return an error.
type Deployer interface {
	Deploy(ctx context.Context, contract string, args ...common.Address) (*Receipt, error)
}

// Unit is one contract of a run and, once deployed, where it lives.
type Unit struct {
	Name            string
	Dependencies    []string
	ConstructorArgs []common.Address
	Address         common.Address
	TxHash          common.Hash
	BlockNumber     uint64
	GasUsed         uint64
	Source          cid.Cid
	Deployed        bool
	DeployedAt      time.Time
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunAborted    RunStatus = "aborted"
)

// Run describes one execution of a plan.
type Run struct {
	ID         uuid.UUID
	Network    string
	ChainID    uint64
	Account    common.Address
	StartedAt  time.Time
	FinishedAt time.Time
	Status     RunStatus
	Error      string
	Units      []*Unit
}

// Unit returns the unit with the given name, or nil.
func (r *Run) Unit(name string) *Unit {
	for _, u := range r.Units {
		if u.Name == name {
			return u
		}
	}
	return nil
}

// Addresses returns the addresses of the deployed units, in plan order.
func (r *Run) Addresses() []common.Address {
	addrs := make([]common.Address, 0, len(r.Units))
	for _, u := range r.Units {
		if u.Deployed {
			addrs = append(addrs, u.Address)
		}
	}
	return addrs
}

// Journal keeps an audit trail of runs. It is written to, never read, by the
// orchestrator.
type Journal interface {
	StartRun(run *Run) error
	RecordDeployment(runID uuid.UUID, step int, unit *Unit) error
	FinishRun(run *Run) error
}
