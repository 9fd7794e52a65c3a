package config

import "github.com/hashicorp/hcl/v2"

type BlockHandler interface {
	Process(config *Config, block *hcl.Block) hcl.Diagnostics
}

var configSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "server"},
		{Type: "options"},
		{Type: "subscription", LabelNames: []string{"name"}},
	},
}

func GetBlockHandlers() map[string]BlockHandler {
	return map[string]BlockHandler{
		"server":       NewServerBlockHandler(),
		"options":      NewOptionsBlockHandler(),
		"subscription": NewSubscriptionBlockHandler(),
	}
}

func errorDiag(block *hcl.Block, summary string, err error) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  summary,
		Detail:   err.Error(),
		Subject:  &block.DefRange,
	}
}
