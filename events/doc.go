/*
Package events implements the event router: the single write path for all
turn and tool lifecycle events. Producers publish FabricEvents; subscribers
match by exact type, category prefix ("tool.*") or wildcard ("*").

Delivery is at-least-once and ordered per SessionKey: every subscription
drains its own FIFO queue on a dedicated worker, so events for one
conversation reach each subscriber in emission order, while a slow or
failing subscriber never blocks emission or other subscribers. Handler
failures are retried with backoff and then logged.
*/
package events
