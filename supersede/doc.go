/*
Package supersede arbitrates what happens when new customer input arrives
while a turn is already PROCESSING or COMMITTING.

The coordinator either applies the fabric's conservative default or, when
configured, delegates to a pipeline that implements the decision
capability. Every decision, whatever its source, passes the same safety
screen: once an IRREVERSIBLE side effect is recorded the only legal
outcomes are QUEUE and FORCE_COMPLETE, and a turn interrupted during
commit can no longer be absorbed or superseded.
*/
package supersede
