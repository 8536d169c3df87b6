/*
Package mutex implements the session mutex: a distributed exclusive lock
keyed by conversation identity. It guarantees at most one live lock per
SessionKey, which is what makes single-writer turn processing possible on
stateless workers.

The Redis implementation uses the token-lock pattern: SET NX with a random
token, Lua compare-and-delete on release and compare-and-expire on extend,
so a worker can never release or extend a lock another worker now holds.
The TTL is a second line of defense; the orchestrator's failure handler is
the first.
*/
package mutex
