package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/pushclient/pkg/pushclient"
)

type ServerDefinition struct {
	Address    string `hcl:"address"`
	AdapterSet string `hcl:"adapter_set,optional"`
	User       string `hcl:"user,optional"`
	Password   string `hcl:"password,optional"`
}

type ServerBlockHandler struct{}

func NewServerBlockHandler() *ServerBlockHandler {
	return &ServerBlockHandler{}
}

func (h *ServerBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	if config.Server != nil {
		return hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Duplicate server block",
			Detail:   "Only one server block may be defined",
			Subject:  &block.DefRange,
		}}
	}

	serverDef := &ServerDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, serverDef)
	if diags.HasErrors() {
		return diags
	}

	if err := pushclient.ValidateServerAddress(serverDef.Address); err != nil {
		return diags.Append(errorDiag(block, "Invalid server address", err))
	}

	config.Server = serverDef
	return diags
}
