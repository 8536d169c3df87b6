package config

import (
	"time"

	"github.com/BaSui01/agentfabric/types"
)

// PolicyOverride is a partial channel policy. Nil fields inherit from the
// previous layer of the chain.
type PolicyOverride struct {
	AggregationMode     *types.AggregationMode `yaml:"aggregation_mode"`
	DefaultWindow       *time.Duration         `yaml:"default_window"`
	MinWindow           *time.Duration         `yaml:"min_window"`
	MaxWindow           *time.Duration         `yaml:"max_window"`
	IncompleteExtend    *time.Duration         `yaml:"incomplete_extend"`
	AwaitingFieldExtend *time.Duration         `yaml:"awaiting_field_extend"`
}

func (o PolicyOverride) apply(p types.ChannelPolicy) types.ChannelPolicy {
	if o.AggregationMode != nil {
		p.AggregationMode = *o.AggregationMode
	}
	if o.DefaultWindow != nil {
		p.DefaultWindow = *o.DefaultWindow
	}
	if o.MinWindow != nil {
		p.MinWindow = *o.MinWindow
	}
	if o.MaxWindow != nil {
		p.MaxWindow = *o.MaxWindow
	}
	if o.IncompleteExtend != nil {
		p.IncompleteExtend = *o.IncompleteExtend
	}
	if o.AwaitingFieldExtend != nil {
		p.AwaitingFieldExtend = *o.AwaitingFieldExtend
	}
	return p
}

// PolicyResolver resolves the effective channel policy for a session through
// the ordered override chain: platform default -> tenant -> agent ->
// channel -> optional runtime override supplied by the pipeline.
type PolicyResolver struct {
	base     types.ChannelPolicy
	tenants  map[string]PolicyOverride
	agents   map[string]PolicyOverride
	channels map[string]PolicyOverride
}

// NewPolicyResolver builds a resolver from the accumulate configuration.
func NewPolicyResolver(cfg AccumulateConfig) *PolicyResolver {
	return &PolicyResolver{
		base:     cfg.Policy(),
		tenants:  cfg.Tenants,
		agents:   cfg.Agents,
		channels: cfg.Channels,
	}
}

// Resolve walks the override chain for the given session key.
func (r *PolicyResolver) Resolve(key types.SessionKey, runtime *PolicyOverride) types.ChannelPolicy {
	p := r.base
	if o, ok := r.tenants[key.TenantID]; ok {
		p = o.apply(p)
	}
	if o, ok := r.agents[key.AgentID]; ok {
		p = o.apply(p)
	}
	if o, ok := r.channels[key.Channel]; ok {
		p = o.apply(p)
	}
	if runtime != nil {
		p = runtime.apply(p)
	}
	return p
}
