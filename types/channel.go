package types

import "time"

// AggregationMode selects how inbound messages are grouped into turns.
type AggregationMode string

const (
	// AggregationOff processes every message as its own turn.
	AggregationOff AggregationMode = "off"
	// AggregationFixed waits a fixed window after the first message.
	AggregationFixed AggregationMode = "fixed"
	// AggregationAdaptive adjusts the window from message signals and the
	// customer's observed cadence.
	AggregationAdaptive AggregationMode = "adaptive"
)

// ChannelCapabilities are immutable facts about a channel. They never vary
// per tenant; only policies do.
type ChannelCapabilities struct {
	Channel          string `json:"channel"`
	MaxMessageLength int    `json:"max_message_length"`
	SupportsTyping   bool   `json:"supports_typing"`
	SupportsRichText bool   `json:"supports_rich_text"`
}

// ChannelPolicy is configurable per-conversation behavior. Policies resolve
// through an ordered override chain: platform default, then tenant, agent,
// channel, and finally an optional pipeline runtime override.
type ChannelPolicy struct {
	AggregationMode AggregationMode `json:"aggregation_mode" yaml:"aggregation_mode"`
	DefaultWindow   time.Duration   `json:"default_window" yaml:"default_window"`
	MinWindow       time.Duration   `json:"min_window" yaml:"min_window"`
	MaxWindow       time.Duration   `json:"max_window" yaml:"max_window"`

	// IncompleteExtend is added when the latest message looks unfinished
	// (short or greeting-only).
	IncompleteExtend time.Duration `json:"incomplete_extend" yaml:"incomplete_extend"`

	// AwaitingFieldExtend is added when the pipeline hinted that it is
	// waiting for a required field.
	AwaitingFieldExtend time.Duration `json:"awaiting_field_extend" yaml:"awaiting_field_extend"`
}

// ClampWindow bounds a computed wait window to [MinWindow, MaxWindow].
func (p ChannelPolicy) ClampWindow(w time.Duration) time.Duration {
	if w < p.MinWindow {
		return p.MinWindow
	}
	if w > p.MaxWindow {
		return p.MaxWindow
	}
	return w
}
