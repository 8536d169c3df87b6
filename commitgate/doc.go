/*
Package commitgate enforces at-most-once execution of side effects and
deduplicates work at three independent layers, each with its own key shape
and TTL:

  - request layer: "{tenant}:{client idempotency key}" dedupes duplicate
    client submissions before any workflow starts (TTL ~5 min);
  - turn layer: "{tenant}:{session}:{hash of sorted message ids}" dedupes
    the same logical turn being processed twice (TTL ~60 s);
  - tool layer: "{tool}:{business key}:turn_group:{group id}" dedupes the
    same real-world action across retries and across a supersede chain
    (TTL ~24 h).

The tool layer deliberately scopes by turn group, not turn id: turns
superseded and restarted within one conversation attempt collapse into one
action, while a fresh attempt after QUEUE may act again.

The gate records a side-effect record before executing (status "started")
and updates it afterward; a crash between the two writes leaves a started
record that is reported as unknown-outcome rather than blindly retried.
*/
package commitgate
