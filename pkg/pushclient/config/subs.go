package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/pushclient/pkg/pushclient"
	"github.com/tsarna/pushclient/pkg/pushclient/subscription"
)

// SubscriptionDefinition describes one subscription. Exactly one of items or
// group must be set; fields go with items and schema with group.
type SubscriptionDefinition struct {
	Name         string   `hcl:",label"`
	Mode         string   `hcl:"mode"`
	Items        []string `hcl:"items,optional"`
	Group        string   `hcl:"group,optional"`
	Fields       []string `hcl:"fields,optional"`
	Schema       string   `hcl:"schema,optional"`
	DataAdapter  string   `hcl:"data_adapter,optional"`
	Selector     string   `hcl:"selector,optional"`
	Snapshot     *string  `hcl:"snapshot,optional"`
	BufferSize   *string  `hcl:"buffer_size,optional"`
	MaxFrequency *string  `hcl:"max_frequency,optional"`

	SecondLevelFields      []string `hcl:"second_level_fields,optional"`
	SecondLevelDataAdapter string   `hcl:"second_level_data_adapter,optional"`

	Disabled bool `hcl:"disabled,optional"`
}

type SubscriptionBlockHandler struct{}

func NewSubscriptionBlockHandler() *SubscriptionBlockHandler {
	return &SubscriptionBlockHandler{}
}

func (h *SubscriptionBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	subscriptionDef := &SubscriptionDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, subscriptionDef)
	if diags.HasErrors() {
		return diags
	}

	// DecodeBody does not see the block label
	subscriptionDef.Name = block.Labels[0]

	if subscriptionDef.Disabled {
		return diags
	}

	if _, exists := config.subscriptions[subscriptionDef.Name]; exists {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Duplicate subscription",
			Detail:   fmt.Sprintf("Subscription %q is already defined", subscriptionDef.Name),
			Subject:  &block.DefRange,
		})
	}

	// a trial build reports every invalid setting here rather than at use
	if _, err := subscriptionDef.build(); err != nil {
		return diags.Append(errorDiag(block, "Invalid subscription", err))
	}

	config.subscriptions[subscriptionDef.Name] = subscriptionDef
	config.order = append(config.order, subscriptionDef.Name)
	return diags
}

// snapshotValue accepts true and false as well as the usual literals.
func snapshotValue(v string) string {
	switch v {
	case "true":
		return subscription.SnapshotYes
	case "false":
		return subscription.SnapshotNo
	}
	return v
}

func (d *SubscriptionDefinition) build() (*subscription.Subscription, error) {
	mode, err := subscription.ParseMode(d.Mode)
	if err != nil {
		return nil, err
	}

	var sub *subscription.Subscription
	switch {
	case len(d.Items) > 0 && d.Group != "":
		return nil, fmt.Errorf("%w: items and group are mutually exclusive", pushclient.ErrIllegalArgument)
	case d.Group != "":
		if len(d.Fields) > 0 {
			return nil, fmt.Errorf("%w: a group subscription takes a schema, not fields", pushclient.ErrIllegalArgument)
		}
		sub, err = subscription.NewGroup(mode, d.Group, d.Schema)
	default:
		if d.Schema != "" {
			return nil, fmt.Errorf("%w: an item list takes fields, not a schema", pushclient.ErrIllegalArgument)
		}
		sub, err = subscription.New(mode, d.Items, d.Fields)
	}
	if err != nil {
		return nil, err
	}

	if d.DataAdapter != "" {
		if err := sub.SetDataAdapter(d.DataAdapter); err != nil {
			return nil, err
		}
	}
	if d.Selector != "" {
		if err := sub.SetSelector(d.Selector); err != nil {
			return nil, err
		}
	}
	if d.Snapshot != nil {
		if err := sub.SetRequestedSnapshot(snapshotValue(*d.Snapshot)); err != nil {
			return nil, err
		}
	}
	if d.BufferSize != nil {
		if err := sub.SetRequestedBufferSize(*d.BufferSize); err != nil {
			return nil, err
		}
	}
	if d.MaxFrequency != nil {
		if err := sub.SetRequestedMaxFrequency(*d.MaxFrequency); err != nil {
			return nil, err
		}
	}
	if len(d.SecondLevelFields) > 0 {
		if err := sub.SetCommandSecondLevelFields(d.SecondLevelFields); err != nil {
			return nil, err
		}
	}
	if d.SecondLevelDataAdapter != "" {
		if err := sub.SetCommandSecondLevelDataAdapter(d.SecondLevelDataAdapter); err != nil {
			return nil, err
		}
	}
	return sub, nil
}
