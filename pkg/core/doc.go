// Package core implements the orchestration engine: the dispatcher that
// executes build-and-deploy actions against remote periphery agents, the
// per-target action lock that keeps at most one action in flight per
// resource, the update ledger recording every action's lifecycle, and the
// broadcaster fanning lifecycle events out to subscribers.
//
// The package depends on its collaborators only through interfaces
// (Store, Agent, PermissionGate, EventPublisher); concrete
// implementations live in pkg/stores, pkg/agent and pkg/policy.
//
// Concurrency contract: a target's lock is held for the full span of its
// action, acquisition is non-blocking (contended targets are rejected,
// never queued), no update record exists before the lock is held, and the
// lock is released on every exit path. Event publication never blocks the
// dispatcher; slow subscribers lose events rather than slowing anyone
// down.
package core
