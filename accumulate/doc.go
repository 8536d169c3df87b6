/*
Package accumulate implements the turn accumulator: it merges a burst of
inbound messages into one logical turn using adaptive wait windows.

On the first message for an idle session a turn starts in ACCUMULATING and
a wait window is computed from the resolved channel policy, adjusted by
message signals (an unfinished-looking message extends it), the customer's
observed cadence (an EWMA of inter-message gaps) and pipeline hints
("awaiting required field" extends further). The wait suspends on a timer
or a notifier wake-up, never a busy poll. Windows are always clamped to
the policy's [min, max].

A message arriving after the turn has left ACCUMULATING does not append;
the orchestrator routes it to the supersede coordinator instead.
*/
package accumulate
