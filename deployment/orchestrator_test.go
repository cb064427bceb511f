package deployment_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"

	"github.com/agrotrace/trace-deployer/config"
	"github.com/agrotrace/trace-deployer/deployment"
	"github.com/agrotrace/trace-deployer/internal/testutil"
	"github.com/agrotrace/trace-deployer/log"
)

type recordingJournal struct {
	started  int
	recorded []string
	finished *deployment.Run
	startErr error
}

func (j *recordingJournal) StartRun(*deployment.Run) error {
	j.started++
	return j.startErr
}

func (j *recordingJournal) RecordDeployment(_ uuid.UUID, step int, unit *deployment.Unit) error {
	j.recorded = append(j.recorded, unit.Name)
	return nil
}

func (j *recordingJournal) FinishRun(run *deployment.Run) error {
	j.finished = run
	return nil
}

func newOrchestrator(c *qt.C, net deployment.Deployer, report *bytes.Buffer, journal deployment.Journal) *deployment.Orchestrator {
	plan, err := deployment.NewPlan(config.TraceabilityPlan)
	c.Assert(err, qt.IsNil)
	opts := deployment.Options{Network: "localhost", ChainID: 31337}
	if report != nil {
		opts.Report = report
	}
	if journal != nil {
		opts.Journal = journal
	}
	o, err := deployment.New(plan, net, opts)
	c.Assert(err, qt.IsNil)
	return o
}

func TestRunDeploysInDependencyOrder(t *testing.T) {
	c := qt.New(t)
	addrs := testutil.DeterministicAddresses()
	net := testutil.NewMockNetwork(addrs...)
	report := new(bytes.Buffer)
	journal := &recordingJournal{}

	run, err := newOrchestrator(c, net, report, journal).Run(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(run.Status, qt.Equals, deployment.RunCompleted)
	c.Assert(run.Error, qt.Equals, "")

	c.Assert(report.String(), qt.Equals, ""+
		"ProduceTraceabilitySystem deployed to: "+addrs[0].Hex()+"\n"+
		"FarmerContract deployed to: "+addrs[1].Hex()+"\n"+
		"DistributorContract deployed to: "+addrs[2].Hex()+"\n"+
		"ConsumerContract deployed to: "+addrs[3].Hex()+"\n")

	// four valid, distinct addresses
	got := run.Addresses()
	c.Assert(got, qt.DeepEquals, addrs)
	seen := map[common.Address]bool{}
	for _, a := range got {
		c.Assert(common.IsHexAddress(a.Hex()), qt.IsTrue)
		c.Assert(seen[a], qt.IsFalse)
		seen[a] = true
	}

	consumer := run.Unit(config.ConsumerContract)
	c.Assert(consumer, qt.Not(qt.IsNil))
	c.Assert(consumer.ConstructorArgs, qt.DeepEquals, []common.Address{addrs[0], addrs[1], addrs[2]})
	c.Assert(run.Unit(config.ProduceTraceabilitySystem).ConstructorArgs, qt.HasLen, 0)

	calls := net.Calls()
	c.Assert(calls, qt.HasLen, 4)
	c.Assert(calls[0].Contract, qt.Equals, config.ProduceTraceabilitySystem)
	c.Assert(calls[0].Args, qt.HasLen, 0)
	c.Assert(calls[1:], qt.DeepEquals, []testutil.DeployCall{
		{Contract: config.FarmerContract, Args: []common.Address{addrs[0]}},
		{Contract: config.DistributorContract, Args: []common.Address{addrs[0]}},
		{Contract: config.ConsumerContract, Args: []common.Address{addrs[0], addrs[1], addrs[2]}},
	})

	c.Assert(journal.started, qt.Equals, 1)
	c.Assert(journal.recorded, qt.DeepEquals, []string{
		config.ProduceTraceabilitySystem, config.FarmerContract,
		config.DistributorContract, config.ConsumerContract,
	})
	c.Assert(journal.finished.Status, qt.Equals, deployment.RunCompleted)
}

// orderCheckingDeployer fails the test if a contract is deployed before one
// of its dependencies has an address.
type orderCheckingDeployer struct {
	c        *qt.C
	inner    *testutil.MockNetwork
	deployed map[common.Address]bool
}

func (d *orderCheckingDeployer) Deploy(ctx context.Context, contract string, args ...common.Address) (*deployment.Receipt, error) {
	for _, a := range args {
		d.c.Assert(d.deployed[a], qt.IsTrue, qt.Commentf("%s started before %s was deployed", contract, a.Hex()))
	}
	r, err := d.inner.Deploy(ctx, contract, args...)
	if err == nil {
		d.deployed[r.Address] = true
	}
	return r, err
}

func TestRunNeverStartsBeforeDependencies(t *testing.T) {
	c := qt.New(t)
	d := &orderCheckingDeployer{
		c:        c,
		inner:    testutil.NewMockNetwork(testutil.DeterministicAddresses()...),
		deployed: map[common.Address]bool{},
	}
	_, err := newOrchestrator(c, d, nil, nil).Run(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(d.deployed, qt.HasLen, 4)
}

func TestRunAbortsOnFirstStep(t *testing.T) {
	c := qt.New(t)
	net := testutil.NewMockNetwork(testutil.DeterministicAddresses()...)
	net.FailAt = 1
	report := new(bytes.Buffer)
	journal := &recordingJournal{}

	run, err := newOrchestrator(c, net, report, journal).Run(context.Background())
	c.Assert(err, qt.ErrorIs, deployment.ErrDeployment)
	c.Assert(err, qt.ErrorIs, testutil.ErrMockDeploy)

	var stepErr *deployment.StepError
	c.Assert(errors.As(err, &stepErr), qt.IsTrue)
	c.Assert(stepErr.Step, qt.Equals, 1)
	c.Assert(stepErr.Contract, qt.Equals, config.ProduceTraceabilitySystem)

	c.Assert(net.Calls(), qt.HasLen, 1)
	c.Assert(report.String(), qt.Equals, "")
	c.Assert(run.Status, qt.Equals, deployment.RunAborted)
	c.Assert(run.Addresses(), qt.HasLen, 0)
	c.Assert(journal.recorded, qt.HasLen, 0)
	c.Assert(journal.finished.Status, qt.Equals, deployment.RunAborted)
	c.Assert(journal.finished.Error, qt.Contains, "step 1 (ProduceTraceabilitySystem)")
}

func TestRunAbortsOnSecondStep(t *testing.T) {
	c := qt.New(t)
	addrs := testutil.DeterministicAddresses()
	net := testutil.NewMockNetwork(addrs...)
	net.FailAt = 2
	net.FailErr = errors.New("insufficient funds for gas * price + value")
	report := new(bytes.Buffer)

	run, err := newOrchestrator(c, net, report, nil).Run(context.Background())
	c.Assert(err, qt.ErrorMatches, `step 2 \(FarmerContract\): deployment failed: insufficient funds.*`)
	c.Assert(net.Calls(), qt.HasLen, 2)

	lines := strings.Split(strings.TrimSpace(report.String()), "\n")
	c.Assert(lines, qt.DeepEquals, []string{"ProduceTraceabilitySystem deployed to: " + addrs[0].Hex()})
	c.Assert(run.Addresses(), qt.DeepEquals, addrs[:1])
	c.Assert(run.Unit(config.FarmerContract).Deployed, qt.IsFalse)
}

func TestRunRejectsRepeatedAddress(t *testing.T) {
	c := qt.New(t)
	addrs := testutil.DeterministicAddresses()
	net := testutil.NewMockNetwork(addrs[0], addrs[0], addrs[2], addrs[3])

	_, err := newOrchestrator(c, net, nil, nil).Run(context.Background())
	c.Assert(err, qt.ErrorIs, deployment.ErrInvalidReceipt)
	c.Assert(net.Calls(), qt.HasLen, 2)
}

func TestRunRejectsZeroAddress(t *testing.T) {
	c := qt.New(t)
	net := testutil.NewMockNetwork(common.Address{})

	_, err := newOrchestrator(c, net, nil, nil).Run(context.Background())
	c.Assert(err, qt.ErrorIs, deployment.ErrInvalidReceipt)
}

func TestRunCanceledContext(t *testing.T) {
	c := qt.New(t)
	net := testutil.NewMockNetwork(testutil.DeterministicAddresses()...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newOrchestrator(c, net, nil, nil).Run(ctx)
	c.Assert(err, qt.ErrorIs, context.Canceled)
	c.Assert(net.Calls(), qt.HasLen, 0)
}

func TestRunJournalStartFailure(t *testing.T) {
	c := qt.New(t)
	net := testutil.NewMockNetwork(testutil.DeterministicAddresses()...)
	journal := &recordingJournal{startErr: errors.New("disk full")}

	_, err := newOrchestrator(c, net, nil, journal).Run(context.Background())
	c.Assert(err, qt.ErrorMatches, "start run journal: disk full")
	c.Assert(net.Calls(), qt.HasLen, 0)
}

type failingWriter struct{ writes int }

func (w *failingWriter) Write([]byte) (int, error) {
	w.writes++
	return 0, errors.New("broken pipe")
}

func TestRunReportFailureDoesNotAbort(t *testing.T) {
	c := qt.New(t)
	warnings := new(bytes.Buffer)
	log.Init(log.LogLevelWarn, "stderr", warnings)
	c.Cleanup(func() { log.Init(log.LogLevelError, "stderr", nil) })

	addrs := testutil.DeterministicAddresses()
	net := testutil.NewMockNetwork(addrs...)
	report := &failingWriter{}
	journal := &recordingJournal{}
	plan, err := deployment.NewPlan(config.TraceabilityPlan)
	c.Assert(err, qt.IsNil)
	o, err := deployment.New(plan, net, deployment.Options{Report: report, Journal: journal})
	c.Assert(err, qt.IsNil)

	run, err := o.Run(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(run.Status, qt.Equals, deployment.RunCompleted)
	c.Assert(run.Addresses(), qt.DeepEquals, addrs)
	c.Assert(report.writes, qt.Equals, 4)
	c.Assert(journal.recorded, qt.HasLen, 4)

	out := warnings.String()
	c.Assert(out, qt.Contains, "failed to report deployment")
	c.Assert(out, qt.Contains, "contract="+config.ConsumerContract)
	c.Assert(out, qt.Contains, "broken pipe")
}

func TestNewValidatesInput(t *testing.T) {
	c := qt.New(t)
	plan, err := deployment.NewPlan(config.TraceabilityPlan)
	c.Assert(err, qt.IsNil)

	_, err = deployment.New(plan, nil, deployment.Options{})
	c.Assert(err, qt.ErrorIs, deployment.ErrInvalidConfig)
	_, err = deployment.New(nil, testutil.NewMockNetwork(), deployment.Options{})
	c.Assert(err, qt.ErrorIs, deployment.ErrInvalidConfig)
}
