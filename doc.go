// Package agentrink provides exclusive assignment of named tasks to the
// members of a dynamic set of cooperating clients, without a coordinator.
//
// Every client observes the same replicated register, mapping a task id to
// its owner, and the same quorum of connected clients. Claiming a task is a
// write of our own id into the register. The register orders all writes
// identically for every client and a write only lands if no other write for
// that key landed since the writer last looked, so of many concurrent claims
// exactly one wins.
//
// Liveness comes from two reconciliation triggers that every client runs:
// when a task becomes unassigned every client that wants it claims it again,
// and when a client leaves the quorum every remaining client clears the
// tasks it owned.
//
// One task id ("leader") is reserved. Every client bids for it on startup,
// so once bootstrap completes exactly one connected client is the leader.
//
// Package inmem provides an in-process register and quorum, package
// etcdstore provides them on top of etcd.
package agentrink
