/*
Package storage keeps an append-only journal of deployment runs.

The journal is an audit trail for operators: when a run aborts half way, the
contracts it already created are still on chain and the journal is where their
addresses can be found. The orchestrator never reads it back.

# Storage Organization

  - r/ : runID → RunRecord (network, account, status, error)
  - d/ : runID + step (uint16, big endian) → DeploymentRecord
*/
package storage

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"

	"github.com/agrotrace/trace-deployer/db"
	"github.com/agrotrace/trace-deployer/deployment"
	"github.com/agrotrace/trace-deployer/log"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

const runCacheSize = 128

// RunRecord is the journaled summary of a run.
type RunRecord struct {
	ID         uuid.UUID      `cbor:"1,keyasint"`
	Network    string         `cbor:"2,keyasint"`
	ChainID    uint64         `cbor:"3,keyasint"`
	Account    common.Address `cbor:"4,keyasint"`
	StartedAt  int64          `cbor:"5,keyasint"` // unix millis
	FinishedAt int64          `cbor:"6,keyasint"` // unix millis, 0 while running
	Status     string         `cbor:"7,keyasint"`
	Error      string         `cbor:"8,keyasint,omitempty"`
	Contracts  []string       `cbor:"9,keyasint"`
}

// DeploymentRecord is one confirmed contract deployment of a run.
type DeploymentRecord struct {
	Step            int              `cbor:"1,keyasint"`
	Contract        string           `cbor:"2,keyasint"`
	Address         common.Address   `cbor:"3,keyasint"`
	TxHash          common.Hash      `cbor:"4,keyasint"`
	BlockNumber     uint64           `cbor:"5,keyasint"`
	GasUsed         uint64           `cbor:"6,keyasint"`
	ConstructorArgs []common.Address `cbor:"7,keyasint"`
	DeployedAt      int64            `cbor:"8,keyasint"` // unix millis
	// Source holds the binary CID of the contract metadata, if known.
	Source []byte `cbor:"9,keyasint,omitempty"`
}

// SourceCID returns the IPFS CID of the metadata the deployed contract was
// compiled from, or cid.Undef when none was recorded.
func (r DeploymentRecord) SourceCID() (cid.Cid, error) {
	if len(r.Source) == 0 {
		return cid.Undef, nil
	}
	c, err := cid.Cast(r.Source)
	if err != nil {
		return cid.Undef, fmt.Errorf("%s source cid: %w", r.Contract, err)
	}
	return c, nil
}

// Storage implements deployment.Journal on top of a db.Database.
type Storage struct {
	db    db.Database
	mu    sync.Mutex
	cache *lru.Cache[uuid.UUID, RunRecord]
}

var _ deployment.Journal = (*Storage)(nil)

// New creates a new Storage instance.
func New(database db.Database) *Storage {
	cache, err := lru.New[uuid.UUID, RunRecord](runCacheSize)
	if err != nil {
		log.Fatalf("failed to create LRU cache: %v", err)
	}
	return &Storage{
		db:    database,
		cache: cache,
	}
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// StartRun journals a run that is about to begin.
func (s *Storage) StartRun(run *deployment.Run) error {
	names := make([]string, len(run.Units))
	for i, u := range run.Units {
		names[i] = u.Name
	}
	rec := RunRecord{
		ID:        run.ID,
		Network:   run.Network,
		ChainID:   run.ChainID,
		Account:   run.Account,
		StartedAt: run.StartedAt.UnixMilli(),
		Status:    string(run.Status),
		Contracts: names,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Get(runKey(run.ID)); err == nil {
		return fmt.Errorf("run %s already journaled", run.ID)
	}
	return s.putRun(rec)
}

// RecordDeployment journals a confirmed deployment. Step is 0-based.
func (s *Storage) RecordDeployment(runID uuid.UUID, step int, unit *deployment.Unit) error {
	rec := DeploymentRecord{
		Step:            step,
		Contract:        unit.Name,
		Address:         unit.Address,
		TxHash:          unit.TxHash,
		BlockNumber:     unit.BlockNumber,
		GasUsed:         unit.GasUsed,
		ConstructorArgs: slices.Clone(unit.ConstructorArgs),
		DeployedAt:      unit.DeployedAt.UnixMilli(),
	}
	if unit.Source.Defined() {
		rec.Source = unit.Source.Bytes()
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.runLocked(runID); err != nil {
		return fmt.Errorf("record deployment of %s: %w", unit.Name, err)
	}
	wTx := s.db.WriteTx()
	defer wTx.Discard()
	if err := wTx.Set(deploymentKey(runID, step), data); err != nil {
		return err
	}
	return wTx.Commit()
}

// FinishRun journals the final status of a run.
func (s *Storage) FinishRun(run *deployment.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.runLocked(run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	rec.Status = string(run.Status)
	rec.Error = run.Error
	rec.FinishedAt = run.FinishedAt.UnixMilli()
	return s.putRun(*rec)
}

// Run returns the journaled run with the given ID.
func (s *Storage) Run(id uuid.UUID) (*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runLocked(id)
}

// Runs returns every journaled run, oldest first.
func (s *Storage) Runs() ([]*RunRecord, error) {
	var (
		runs   []*RunRecord
		decErr error
	)
	err := s.db.Iterate(runPrefix, func(_, value []byte) bool {
		rec := &RunRecord{}
		if decErr = decodeRecord(value, rec); decErr != nil {
			return false
		}
		runs = append(runs, rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decErr != nil {
		return nil, decErr
	}
	slices.SortStableFunc(runs, func(a, b *RunRecord) int {
		return cmp.Compare(a.StartedAt, b.StartedAt)
	})
	return runs, nil
}

// Deployments returns the journaled deployments of a run, by step.
func (s *Storage) Deployments(id uuid.UUID) ([]*DeploymentRecord, error) {
	var (
		recs   []*DeploymentRecord
		decErr error
	)
	err := s.db.Iterate(deploymentRunPrefix(id), func(_, value []byte) bool {
		rec := &DeploymentRecord{}
		if decErr = decodeRecord(value, rec); decErr != nil {
			return false
		}
		recs = append(recs, rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	return recs, decErr
}

// runLocked must be called with s.mu held.
func (s *Storage) runLocked(id uuid.UUID) (*RunRecord, error) {
	if rec, ok := s.cache.Get(id); ok {
		return &rec, nil
	}
	data, err := s.db.Get(runKey(id))
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec := RunRecord{}
	if err := decodeRecord(data, &rec); err != nil {
		return nil, err
	}
	s.cache.Add(id, rec)
	return &rec, nil
}

// putRun must be called with s.mu held.
func (s *Storage) putRun(rec RunRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	wTx := s.db.WriteTx()
	defer wTx.Discard()
	if err := wTx.Set(runKey(rec.ID), data); err != nil {
		return err
	}
	if err := wTx.Commit(); err != nil {
		return err
	}
	s.cache.Add(rec.ID, rec)
	return nil
}

// Duration returns how long the run took, zero while it is running.
func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt == 0 {
		return 0
	}
	return time.Duration(r.FinishedAt-r.StartedAt) * time.Millisecond
}
