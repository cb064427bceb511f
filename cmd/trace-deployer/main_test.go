package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/agrotrace/trace-deployer/config"
	"github.com/agrotrace/trace-deployer/db"
	"github.com/agrotrace/trace-deployer/db/inmemory"
	"github.com/agrotrace/trace-deployer/deployment"
	"github.com/agrotrace/trace-deployer/internal/testutil"
	"github.com/agrotrace/trace-deployer/storage"
)

func traceabilityPlan(c *qt.C) *deployment.Plan {
	plan, err := deployment.NewPlan(config.TraceabilityPlan)
	c.Assert(err, qt.IsNil)
	return plan
}

func TestExecuteReportsEveryDeployment(t *testing.T) {
	c := qt.New(t)
	addrs := testutil.DeterministicAddresses()
	network := testutil.NewMockNetwork(addrs...)
	var stdout, stderr bytes.Buffer

	code := execute(context.Background(), traceabilityPlan(c), network, deployment.Options{}, &stdout, &stderr)
	c.Assert(code, qt.Equals, 0)
	c.Assert(stderr.String(), qt.Equals, "")
	c.Assert(stdout.String(), qt.Equals, fmt.Sprintf(
		"ProduceTraceabilitySystem deployed to: %s\n"+
			"FarmerContract deployed to: %s\n"+
			"DistributorContract deployed to: %s\n"+
			"ConsumerContract deployed to: %s\n",
		addrs[0].Hex(), addrs[1].Hex(), addrs[2].Hex(), addrs[3].Hex()))
	c.Assert(strings.Contains(stdout.String(), "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"), qt.IsTrue)

	calls := network.Calls()
	c.Assert(calls, qt.HasLen, 4)
	c.Assert(calls[3].Args, qt.DeepEquals, addrs[:3])
}

func TestExecuteStopsAtFailedStep(t *testing.T) {
	c := qt.New(t)
	addrs := testutil.DeterministicAddresses()

	c.Run("second step", func(c *qt.C) {
		network := testutil.NewMockNetwork(addrs...)
		network.FailAt = 2
		var stdout, stderr bytes.Buffer
		code := execute(context.Background(), traceabilityPlan(c), network, deployment.Options{}, &stdout, &stderr)
		c.Assert(code, qt.Equals, 1)
		c.Assert(stdout.String(), qt.Equals, "ProduceTraceabilitySystem deployed to: "+addrs[0].Hex()+"\n")
		c.Assert(stderr.String(), qt.Contains, "step 2 (FarmerContract)")
		c.Assert(stderr.String(), qt.Contains, testutil.ErrMockDeploy.Error())
		c.Assert(network.Calls(), qt.HasLen, 2)
	})

	c.Run("first step", func(c *qt.C) {
		network := testutil.NewMockNetwork(addrs...)
		network.FailAt = 1
		var stdout, stderr bytes.Buffer
		code := execute(context.Background(), traceabilityPlan(c), network, deployment.Options{}, &stdout, &stderr)
		c.Assert(code, qt.Equals, 1)
		c.Assert(stdout.String(), qt.Equals, "")
		c.Assert(network.Calls(), qt.HasLen, 1)
	})

	c.Run("canceled", func(c *qt.C) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		network := testutil.NewMockNetwork(addrs...)
		var stdout, stderr bytes.Buffer
		code := execute(ctx, traceabilityPlan(c), network, deployment.Options{}, &stdout, &stderr)
		c.Assert(code, qt.Equals, 1)
		c.Assert(network.Calls(), qt.HasLen, 0)
	})
}

func TestExecuteJournalsRun(t *testing.T) {
	c := qt.New(t)
	database, err := inmemory.New(db.Options{})
	c.Assert(err, qt.IsNil)
	journal := storage.New(database)
	network := testutil.NewMockNetwork(testutil.DeterministicAddresses()...)
	network.FailAt = 3

	code := execute(context.Background(), traceabilityPlan(c), network, deployment.Options{
		Network: "localhost",
		ChainID: 31337,
		Journal: journal,
	}, &bytes.Buffer{}, &bytes.Buffer{})
	c.Assert(code, qt.Equals, 1)

	runs, err := journal.Runs()
	c.Assert(err, qt.IsNil)
	c.Assert(runs, qt.HasLen, 1)
	c.Assert(runs[0].Status, qt.Equals, string(deployment.RunAborted))
	deployments, err := journal.Deployments(runs[0].ID)
	c.Assert(err, qt.IsNil)
	c.Assert(deployments, qt.HasLen, 2)
}

// cleanEnv unsets the variables that would leak into the configuration.
func cleanEnv(t *testing.T) {
	for _, name := range []string{"PRIVATE_KEY", "SEPOLIA_RPC_URL", "TRACE_WEB3_PRIVKEY", "TRACE_WEB3_RPC", "TRACE_WEB3_NETWORK"} {
		t.Setenv(name, "")
	}
}

func TestRunDryRun(t *testing.T) {
	c := qt.New(t)
	cleanEnv(t)
	dir := testutil.WriteTraceabilityArtifacts(t, t.TempDir())
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{
		"--deploy.dryrun",
		"--artifacts.dir", dir,
		"--env", "",
		"--log.level", "error",
	}, &stdout, &stderr)
	c.Assert(code, qt.Equals, 0, qt.Commentf("stderr: %s", stderr.String()))
	c.Assert(stdout.String(), qt.Equals,
		"1. ProduceTraceabilitySystem()\n"+
			"2. FarmerContract(ProduceTraceabilitySystem)\n"+
			"3. DistributorContract(ProduceTraceabilitySystem)\n"+
			"4. ConsumerContract(ProduceTraceabilitySystem, FarmerContract, DistributorContract)\n")
}

func TestRunFailsBeforeDeploying(t *testing.T) {
	c := qt.New(t)
	cleanEnv(t)
	dir := testutil.WriteTraceabilityArtifacts(t, t.TempDir())

	for _, tc := range []struct {
		name string
		args []string
		want string
	}{
		{"missing key", []string{"--artifacts.dir", dir}, "private key is required"},
		{"unknown network", []string{"--artifacts.dir", dir, "--web3.network", "mainnet"}, "invalid network"},
		{"missing artifacts", []string{"--artifacts.dir", filepath.Join(dir, "none"), "--deploy.dryrun"}, "artifact not found"},
		{"bad key", []string{"--artifacts.dir", dir, "--web3.privkey", "0xzz"}, "could not load key"},
		{"bad flag", []string{"--no-such-flag"}, "unknown flag"},
	} {
		c.Run(tc.name, func(c *qt.C) {
			var stdout, stderr bytes.Buffer
			args := append([]string{"--env", "", "--log.level", "error", "--journal.disable"}, tc.args...)
			code := run(context.Background(), args, &stdout, &stderr)
			c.Assert(code, qt.Equals, 1)
			c.Assert(stdout.String(), qt.Equals, "")
			c.Assert(stderr.String(), qt.Contains, tc.want)
		})
	}
}

func TestRunListsJournal(t *testing.T) {
	c := qt.New(t)
	cleanEnv(t)
	dir := t.TempDir()
	addrs := testutil.DeterministicAddresses()
	mh, err := multihash.Sum([]byte("metadata.json"), multihash.SHA2_256, -1)
	c.Assert(err, qt.IsNil)
	net := testutil.NewMockNetwork(addrs...)
	net.Source = cid.NewCidV0(mh)

	journal, err := openJournal(dir)
	c.Assert(err, qt.IsNil)
	code := execute(context.Background(), traceabilityPlan(c), net,
		deployment.Options{Network: "localhost", ChainID: 31337, Journal: journal}, &bytes.Buffer{}, &bytes.Buffer{})
	c.Assert(code, qt.Equals, 0)
	c.Assert(journal.Close(), qt.IsNil)

	var stdout, stderr bytes.Buffer
	code = run(context.Background(), []string{
		"--journal.list",
		"--journal.dir", dir,
		"--env", "",
		"--log.level", "error",
	}, &stdout, &stderr)
	c.Assert(code, qt.Equals, 0, qt.Commentf("stderr: %s", stderr.String()))
	out := stdout.String()
	c.Assert(out, qt.Contains, "localhost")
	c.Assert(out, qt.Contains, string(deployment.RunCompleted))
	for _, addr := range addrs {
		c.Assert(out, qt.Contains, addr.Hex())
	}
	c.Assert(strings.Count(out, net.Source.String()), qt.Equals, 4)
}
