// Package shardbus is a durable messaging and projection substrate for
// services that coordinate through a shared relational store instead of a
// broker or lock service. Work items (inbox commands, outbox messages,
// events) are staged in SQL tables, routed to one of a fixed set of
// partitions by an FNV-1a hash of their stream key, and handed out under
// short-lived leases so each partition has exactly one live consumer.
//
// The Coordinator is the heart: ProcessWorkBatch folds an instance's
// heartbeat, its completion and failure reports, newly staged messages,
// lease renewals, partition claims, and the next claimed work batch into ONE
// store transaction. Either everything in a cycle happens or nothing does,
// which is what makes crash recovery a non-event: an instance that dies
// simply stops heartbeating, gets evicted, and its partitions and leases
// flow to the survivors.
//
// The Distributor wraps the Coordinator in a polling loop and fans claimed
// work out on channels by concern (outbound publishing, inbox handling,
// projection apply). PublishPump drains the outbound channel into any
// Watermill publisher and reports the outcome back into the next cycle.
//
// Perspectives are fold functions over event streams. The replay Engine
// applies outstanding events batch-by-batch, committing the materialized
// model and its checkpoint in the same transaction, so a perspective can
// always resume from its last good position and never folds an event twice.
//
// # Stores
//
// Three interchangeable store adapters implement the same transactional
// contract:
//   - memory: Snapshot-commit in-memory store for tests
//   - sqlite: Embedded single-node persistence
//   - postgres: Shared store for multi-instance deployments
//
// A minimal setup reads Config from the environment, opens the store with
// OpenStore, builds a Coordinator and Distributor, and starts Run plus
// PublishPump; see README.md for a copy/paste quick start snippet.
package shardbus
