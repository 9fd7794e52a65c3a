package config

import (
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// GetEnvObject returns the process environment as a cty object. Variable
// names that are not valid HCL identifiers are rewritten with underscores.
func GetEnvObject() cty.Value {
	return envObject(os.Environ())
}

func envObject(environ []string) cty.Value {
	envMap := make(map[string]cty.Value, len(environ))
	for _, envVar := range environ {
		key, value, ok := strings.Cut(envVar, "=")
		if !ok {
			continue
		}
		envMap[sanitizeEnvVarName(key)] = cty.StringVal(value)
	}
	return cty.ObjectVal(envMap)
}

// newEvalContext is the context every attribute is evaluated in: env.NAME
// reads an environment variable.
func newEvalContext(env cty.Value) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": env,
		},
	}
}

func sanitizeEnvVarName(name string) string {
	if name == "" {
		return "_"
	}

	var result strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			result.WriteRune(r)
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
			result.WriteRune(r)
		default:
			result.WriteRune('_')
		}
	}
	return result.String()
}
