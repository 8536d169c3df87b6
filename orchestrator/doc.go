/*
Package orchestrator runs the durable turn workflow.

A turn moves through four steps, each followed by a persisted checkpoint:
acquire the session mutex, accumulate the message burst, run the pipeline,
then commit and respond. A worker that crashes mid-workflow leaves a
non-terminal checkpoint behind; the recovery scanner picks the turn up and
resumes at the step after the checkpoint. The session mutex is held across
all four steps and released unconditionally in the failure path, with the
Redis TTL as the backstop for a dead holder.

Messages that arrive mid-workflow land on the turn's pending list; the
supersede coordinator arbitrates their fate at the pipeline/commit
boundary.
*/
package orchestrator
