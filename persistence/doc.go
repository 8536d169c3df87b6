/*
Package persistence holds the durable state the fabric needs between
workflow steps: logical-turn snapshots with workflow checkpoint markers,
and the audit sink that stores FabricEvents for querying.

Turn snapshots are keyed by turn id with a secondary active-turn index per
SessionKey, and carry everything required to resume a crashed workflow on
another worker. Redis backs production; the memory store backs tests and
single-node setups.

Audit sinks are append-only FabricEvent stores. The GORM sink targets
postgres, mysql or sqlite; the Mongo sink targets a document collection.
Only the event-router audit subscriber writes to them.
*/
package persistence
