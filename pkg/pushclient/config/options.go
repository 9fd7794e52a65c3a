package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/pushclient/pkg/pushclient"
)

// OptionsDefinition mirrors pushclient.ConnectionOptions. Durations are Go
// duration strings; unset attributes keep their defaults.
type OptionsDefinition struct {
	ConnectTimeout           *string           `hcl:"connect_timeout,optional"`
	StalledTimeout           *string           `hcl:"stalled_timeout,optional"`
	ReconnectTimeout         *string           `hcl:"reconnect_timeout,optional"`
	RetryDelay               *string           `hcl:"retry_delay,optional"`
	FirstRetryMaxDelay       *string           `hcl:"first_retry_max_delay,optional"`
	ReverseHeartbeatInterval *string           `hcl:"reverse_heartbeat_interval,optional"`
	PollingInterval          *string           `hcl:"polling_interval,optional"`
	IdleTimeout              *string           `hcl:"idle_timeout,optional"`
	KeepaliveInterval        *string           `hcl:"keepalive_interval,optional"`
	ContentLength            *int64            `hcl:"content_length,optional"`
	MaxBandwidth             *string           `hcl:"max_bandwidth,optional"`
	ForcedTransport          *string           `hcl:"forced_transport,optional"`
	HTTPHeaders              map[string]string `hcl:"http_headers,optional"`
	HeadersOnCreationOnly    *bool             `hcl:"http_headers_on_session_creation_only,optional"`
	IgnoreInstanceAddress    *bool             `hcl:"server_instance_address_ignored,optional"`
	SlowingEnabled           *bool             `hcl:"slowing_enabled,optional"`

	MaxSessionsPerServer *int    `hcl:"max_sessions_per_server,optional"`
	MaxSessionsPolicy    *string `hcl:"max_sessions_policy,optional"`
}

type OptionsBlockHandler struct{}

func NewOptionsBlockHandler() *OptionsBlockHandler {
	return &OptionsBlockHandler{}
}

func (h *OptionsBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	optionsDef := &OptionsDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, optionsDef)
	if diags.HasErrors() {
		return diags
	}

	// validate now so errors point at the block
	if err := optionsDef.apply(pushclient.NewConnectionOptions()); err != nil {
		return diags.Append(errorDiag(block, "Invalid connection option", err))
	}

	if optionsDef.MaxSessionsPerServer != nil {
		if *optionsDef.MaxSessionsPerServer < 0 {
			return diags.Append(errorDiag(block, "Invalid session limit",
				fmt.Errorf("max_sessions_per_server must not be negative, got %d", *optionsDef.MaxSessionsPerServer)))
		}
		config.MaxSessionsPerServer = optionsDef.MaxSessionsPerServer
	}
	if optionsDef.MaxSessionsPolicy != nil {
		policy, err := pushclient.ParseLimitPolicy(*optionsDef.MaxSessionsPolicy)
		if err != nil {
			return diags.Append(errorDiag(block, "Invalid session limit policy", err))
		}
		config.MaxSessionsPolicy = &policy
	}

	config.options = append(config.options, optionsDef)
	return diags
}

func parseDuration(name, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", pushclient.ErrIllegalArgument, name, err)
	}
	return d, nil
}

func (d *OptionsDefinition) apply(opts *pushclient.ConnectionOptions) error {
	durations := []struct {
		name  string
		value *string
		set   func(time.Duration) error
	}{
		{"stalled_timeout", d.StalledTimeout, opts.SetStalledTimeout},
		{"reconnect_timeout", d.ReconnectTimeout, opts.SetReconnectTimeout},
		{"retry_delay", d.RetryDelay, opts.SetRetryDelay},
		{"first_retry_max_delay", d.FirstRetryMaxDelay, opts.SetFirstRetryMaxDelay},
		{"reverse_heartbeat_interval", d.ReverseHeartbeatInterval, opts.SetReverseHeartbeatInterval},
		{"polling_interval", d.PollingInterval, opts.SetPollingInterval},
		{"idle_timeout", d.IdleTimeout, opts.SetIdleTimeout},
		{"keepalive_interval", d.KeepaliveInterval, opts.SetKeepaliveInterval},
	}
	for _, f := range durations {
		if f.value == nil {
			continue
		}
		v, err := parseDuration(f.name, *f.value)
		if err != nil {
			return err
		}
		if err := f.set(v); err != nil {
			return err
		}
	}

	if d.ConnectTimeout != nil {
		var timeout time.Duration
		if !strings.EqualFold(*d.ConnectTimeout, "auto") {
			v, err := parseDuration("connect_timeout", *d.ConnectTimeout)
			if err != nil {
				return err
			}
			timeout = v
		}
		if err := opts.SetConnectTimeout(timeout); err != nil {
			return err
		}
	}

	if d.ContentLength != nil {
		if err := opts.SetContentLength(*d.ContentLength); err != nil {
			return err
		}
	}
	if d.MaxBandwidth != nil {
		if err := opts.SetRequestedMaxBandwidth(*d.MaxBandwidth); err != nil {
			return err
		}
	}
	if d.ForcedTransport != nil {
		t, err := pushclient.ParseTransport(*d.ForcedTransport)
		if err != nil {
			return err
		}
		if err := opts.SetForcedTransport(t); err != nil {
			return err
		}
	}
	if len(d.HTTPHeaders) > 0 {
		headers := make(http.Header, len(d.HTTPHeaders))
		for k, v := range d.HTTPHeaders {
			headers.Set(k, v)
		}
		if err := opts.SetHTTPExtraHeaders(headers); err != nil {
			return err
		}
	}
	if d.HeadersOnCreationOnly != nil {
		opts.SetHTTPExtraHeadersOnSessionCreationOnly(*d.HeadersOnCreationOnly)
	}
	if d.IgnoreInstanceAddress != nil {
		opts.SetServerInstanceAddressIgnored(*d.IgnoreInstanceAddress)
	}
	if d.SlowingEnabled != nil {
		opts.SetSlowingEnabled(*d.SlowingEnabled)
	}
	return nil
}
