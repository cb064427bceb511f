/*
Package deployment orchestrates the creation of a set of dependent contracts.

A Plan lists the contracts in the order they must be deployed. Each contract
names the earlier contracts whose addresses are passed, in order, to its
constructor. The Orchestrator walks the plan one step at a time:

 1. resolve the constructor arguments from the addresses recorded so far,
 2. hand them to a Deployer, which blocks until the deployment is confirmed,
 3. record the resulting address and report it.

The first failing step aborts the run. Contracts deployed by earlier steps stay
on chain; nothing is retried or rolled back.
*/
package deployment
