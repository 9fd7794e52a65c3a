// Package config loads client settings from HCL files.
//
// A file holds at most one server block, any number of options blocks
// (applied in order) and named subscription blocks:
//
//	server {
//	  address     = "https://push.example.com"
//	  adapter_set = "DEMO"
//	  user        = env.PUSH_USER
//	  password    = env.PUSH_PASSWORD
//	}
//
//	options {
//	  forced_transport = "WS-STREAMING"
//	  retry_delay      = "2s"
//	}
//
//	subscription "quotes" {
//	  mode     = "MERGE"
//	  items    = ["item1", "item2"]
//	  fields   = ["last_price", "time"]
//	  snapshot = "yes"
//	}
package config

import (
	"fmt"
	"slices"

	"github.com/hashicorp/hcl/v2"
	"github.com/tsarna/pushclient/pkg/pushclient"
	"github.com/tsarna/pushclient/pkg/pushclient/subscription"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
)

type ConfigBuilder struct {
	logger        *zap.Logger
	sources       []any
	env           cty.Value
	blockHandlers map[string]BlockHandler
}

type Config struct {
	Logger *zap.Logger
	Server *ServerDefinition

	// MaxSessionsPerServer and MaxSessionsPolicy are process-wide; nil means
	// not configured.
	MaxSessionsPerServer *int
	MaxSessionsPolicy    *pushclient.LimitPolicy

	evalCtx       *hcl.EvalContext
	options       []*OptionsDefinition
	subscriptions map[string]*SubscriptionDefinition
	order         []string
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		logger:        zap.NewNop(),
		sources:       make([]any, 0),
		blockHandlers: GetBlockHandlers(),
	}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	if logger != nil {
		cb.logger = logger
	}
	return cb
}

// WithSources adds files, directories, raw bytes or fs.FS values to load.
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

// WithEnv replaces the process environment seen through env.NAME.
func (cb *ConfigBuilder) WithEnv(environ []string) *ConfigBuilder {
	cb.env = envObject(environ)
	return cb
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	env := cb.env
	if env == cty.NilVal {
		env = GetEnvObject()
	}

	config := &Config{
		Logger:        cb.logger,
		evalCtx:       newEvalContext(env),
		subscriptions: make(map[string]*SubscriptionDefinition),
	}

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	blocks, addDiags := cb.GetBlocks(bodies)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	for _, block := range blocks {
		handler, ok := cb.blockHandlers[block.Type]
		if !ok {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Unsupported block type",
				Detail:   fmt.Sprintf("Blocks of type %q are not supported", block.Type),
				Subject:  &block.DefRange,
			})
			continue
		}
		diags = diags.Extend(handler.Process(config, block))
	}
	if diags.HasErrors() {
		return nil, diags
	}

	cb.logger.Debug("Configuration loaded",
		zap.Bool("server", config.Server != nil),
		zap.Int("options", len(config.options)),
		zap.Strings("subscriptions", config.order),
	)

	return config, diags
}

// GetBlocks returns the top-level blocks of bodies in source order. Top-level
// attributes are rejected.
func (cb *ConfigBuilder) GetBlocks(bodies []hcl.Body) (hcl.Blocks, hcl.Diagnostics) {
	diags := hcl.Diagnostics{}

	var blocks hcl.Blocks
	for _, body := range bodies {
		content, contentDiags := body.Content(configSchema)
		diags = diags.Extend(contentDiags)
		if content != nil {
			blocks = append(blocks, content.Blocks...)
		}
	}

	return blocks, diags
}

// NewOptions returns fresh connection options with every options block
// applied.
func (c *Config) NewOptions() (*pushclient.ConnectionOptions, error) {
	opts := pushclient.NewConnectionOptions()
	for _, def := range c.options {
		if err := def.apply(opts); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// Apply copies the server settings and options onto b, and the session limits
// onto the process.
func (c *Config) Apply(b *pushclient.ClientBuilder) (*pushclient.ClientBuilder, error) {
	if c.Server != nil {
		b = b.WithServerAddress(c.Server.Address).
			WithAdapterSet(c.Server.AdapterSet).
			WithCredentials(c.Server.User, c.Server.Password)
	}

	opts, err := c.NewOptions()
	if err != nil {
		return nil, err
	}
	b = b.WithOptions(opts)

	if c.MaxSessionsPerServer != nil {
		if err := pushclient.SetMaxConcurrentSessionsPerServer(*c.MaxSessionsPerServer); err != nil {
			return nil, err
		}
	}
	if c.MaxSessionsPolicy != nil {
		if err := pushclient.SetMaxConcurrentSessionsPerServerExceededPolicy(*c.MaxSessionsPolicy); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// SubscriptionNames lists the configured subscriptions in file order.
func (c *Config) SubscriptionNames() []string {
	return slices.Clone(c.order)
}

// NewSubscription builds a new, inactive subscription from the named block.
func (c *Config) NewSubscription(name string) (*subscription.Subscription, error) {
	def, ok := c.subscriptions[name]
	if !ok {
		return nil, fmt.Errorf("%w: no subscription named %q", pushclient.ErrIllegalArgument, name)
	}
	return def.build()
}

// NewSubscriptions builds every configured subscription, in file order.
func (c *Config) NewSubscriptions() ([]*subscription.Subscription, error) {
	subs := make([]*subscription.Subscription, 0, len(c.order))
	for _, name := range c.order {
		sub, err := c.NewSubscription(name)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
