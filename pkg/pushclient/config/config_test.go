package config

import (
	_ "embed"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/pushclient/pkg/pushclient"
	"github.com/tsarna/pushclient/pkg/pushclient/subscription"
)

//go:embed testdata/client.hcl
var clientConfig []byte

//go:embed testdata/group.hcl
var groupConfig []byte

var testEnv = []string{"PUSH_USER=alice", "PUSH_PASSWORD=secret", "1BAD.NAME=x"}

func build(t *testing.T, sources ...any) *Config {
	t.Helper()
	cfg, diags := NewConfig().WithEnv(testEnv).WithSources(sources...).Build()
	require.False(t, diags.HasErrors(), "unexpected diagnostics: %v", diags)
	return cfg
}

func buildErr(t *testing.T, src string) string {
	t.Helper()
	_, diags := NewConfig().WithEnv(testEnv).WithSources([]byte(src)).Build()
	require.True(t, diags.HasErrors())
	return diags.Error()
}

func TestServerBlock(t *testing.T) {
	cfg := build(t, clientConfig)

	require.NotNil(t, cfg.Server)
	assert.Equal(t, "https://push.example.com", cfg.Server.Address)
	assert.Equal(t, "DEMO", cfg.Server.AdapterSet)
	assert.Equal(t, "alice", cfg.Server.User)
	assert.Equal(t, "secret", cfg.Server.Password)

	t.Run("duplicate", func(t *testing.T) {
		msg := buildErr(t, `
server { address = "http://a" }
server { address = "http://b" }
`)
		assert.Contains(t, msg, "Duplicate server block")
	})

	t.Run("invalid address", func(t *testing.T) {
		msg := buildErr(t, `server { address = "ftp://a" }`)
		assert.Contains(t, msg, "Invalid server address")
	})
}

func TestOptionsBlock(t *testing.T) {
	cfg := build(t, clientConfig)

	opts, err := cfg.NewOptions()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), opts.ConnectTimeout())
	assert.Equal(t, pushclient.DefaultConnectTimeout, opts.CurrentConnectTimeout())
	assert.Equal(t, 2*time.Second, opts.RetryDelay())
	assert.Equal(t, pushclient.DefaultStalledTimeout, opts.StalledTimeout())
	assert.Equal(t, pushclient.TransportWSStreaming, opts.ForcedTransport())
	assert.Equal(t, "40", opts.RequestedMaxBandwidth())
	assert.Equal(t, "cli", opts.HTTPExtraHeaders().Get("X-Client"))

	require.NotNil(t, cfg.MaxSessionsPerServer)
	assert.Equal(t, 2, *cfg.MaxSessionsPerServer)
	require.NotNil(t, cfg.MaxSessionsPolicy)
	assert.Equal(t, pushclient.LimitUsePolling, *cfg.MaxSessionsPolicy)

	t.Run("each call returns fresh options", func(t *testing.T) {
		other, err := cfg.NewOptions()
		require.NoError(t, err)
		assert.NotSame(t, opts, other)
	})

	t.Run("later blocks win", func(t *testing.T) {
		cfg := build(t, []byte(`
options { retry_delay = "1s" }
options { retry_delay = "7s" }
`))
		opts, err := cfg.NewOptions()
		require.NoError(t, err)
		assert.Equal(t, 7*time.Second, opts.RetryDelay())
	})

	t.Run("invalid values", func(t *testing.T) {
		for name, src := range map[string]string{
			"duration":  `options { stalled_timeout = "soon" }`,
			"negative":  `options { retry_delay = "-1s" }`,
			"transport": `options { forced_transport = "CARRIER-PIGEON" }`,
			"bandwidth": `options { max_bandwidth = "-3" }`,
			"length":    `options { content_length = 0 }`,
			"policy":    `options { max_sessions_policy = "maybe" }`,
			"limit":     `options { max_sessions_per_server = -1 }`,
		} {
			t.Run(name, func(t *testing.T) {
				buildErr(t, src)
			})
		}
	})
}

func TestApply(t *testing.T) {
	t.Cleanup(func() {
		require.NoError(t, pushclient.SetMaxConcurrentSessionsPerServer(0))
		require.NoError(t, pushclient.SetMaxConcurrentSessionsPerServerExceededPolicy(pushclient.LimitNone))
	})

	cfg := build(t, clientConfig)
	b, err := cfg.Apply(pushclient.NewClient())
	require.NoError(t, err)

	client, err := b.Build()
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, "https://push.example.com", client.Details().ServerAddress())
	assert.Equal(t, "DEMO", client.Details().AdapterSet())
	assert.Equal(t, "alice", client.Details().User())
	assert.Equal(t, 2*time.Second, client.Options().RetryDelay())
	assert.Equal(t, 2, pushclient.MaxConcurrentSessionsPerServer())
	assert.Equal(t, pushclient.LimitUsePolling, pushclient.MaxConcurrentSessionsPerServerExceededPolicy())
}

func TestSubscriptionBlocks(t *testing.T) {
	cfg := build(t, clientConfig, groupConfig)

	assert.Equal(t, []string{"quotes", "portfolio", "news"}, cfg.SubscriptionNames())

	quotes, err := cfg.NewSubscription("quotes")
	require.NoError(t, err)
	assert.Equal(t, subscription.Merge, quotes.Mode())
	assert.Equal(t, []string{"item1", "item2"}, quotes.Items())
	assert.Equal(t, []string{"last_price", "time"}, quotes.Fields())
	assert.Equal(t, subscription.SnapshotYes, quotes.RequestedSnapshot())
	assert.Equal(t, "1.5", quotes.RequestedMaxFrequency())
	assert.False(t, quotes.IsActive())

	portfolio, err := cfg.NewSubscription("portfolio")
	require.NoError(t, err)
	assert.Equal(t, subscription.Command, portfolio.Mode())
	assert.Equal(t, []string{"last_price"}, portfolio.CommandSecondLevelFields())
	assert.Equal(t, "QUOTES", portfolio.CommandSecondLevelDataAdapter())

	news, err := cfg.NewSubscription("news")
	require.NoError(t, err)
	assert.Equal(t, "headlines", news.ItemGroup())
	assert.Equal(t, "short", news.FieldSchema())
	assert.Equal(t, "10", news.RequestedSnapshot())

	_, err = cfg.NewSubscription("off")
	assert.ErrorIs(t, err, pushclient.ErrIllegalArgument)

	subs, err := cfg.NewSubscriptions()
	require.NoError(t, err)
	assert.Len(t, subs, 3)
	again, err := cfg.NewSubscriptions()
	require.NoError(t, err)
	assert.NotSame(t, subs[0], again[0])

	t.Run("invalid", func(t *testing.T) {
		for name, body := range map[string]string{
			"mode": `mode = "FAST"
items = ["i"]
fields = ["f"]`,
			"both": `mode = "MERGE"
items = ["i"]
group = "g"
schema = "s"`,
			"no items": `mode = "MERGE"
fields = ["f"]`,
			"command": `mode = "COMMAND"
items = ["i"]
fields = ["f"]`,
			"raw snap": `mode = "RAW"
items = ["i"]
fields = ["f"]
snapshot = "yes"`,
			"second lvl": `mode = "MERGE"
items = ["i"]
fields = ["f"]
second_level_fields = ["x"]`,
			"group field": `mode = "MERGE"
group = "g"
fields = ["f"]`,
		} {
			t.Run(name, func(t *testing.T) {
				src := "subscription \"a\" {\n" + body + "\n}\n"
				assert.Contains(t, buildErr(t, src), "Invalid subscription")
			})
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		msg := buildErr(t, `
subscription "a" {
  mode   = "MERGE"
  items  = ["i"]
  fields = ["f"]
}
subscription "a" {
  mode   = "MERGE"
  items  = ["i"]
  fields = ["f"]
}
`)
		assert.Contains(t, msg, "Duplicate subscription")
	})
}

func TestSources(t *testing.T) {
	t.Run("directory", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.hcl"), clientConfig, 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.hcl"), groupConfig, 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not hcl {"), 0o644))

		cfg := build(t, dir)
		assert.Len(t, cfg.SubscriptionNames(), 3)
	})

	t.Run("single file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "client.hcl")
		require.NoError(t, os.WriteFile(path, groupConfig, 0o644))

		cfg := build(t, path)
		assert.Equal(t, []string{"news"}, cfg.SubscriptionNames())
	})

	t.Run("fs", func(t *testing.T) {
		fsys := fstest.MapFS{"conf/client.hcl": {Data: clientConfig}}
		cfg := build(t, fsys)
		assert.NotNil(t, cfg.Server)
	})

	t.Run("missing file", func(t *testing.T) {
		_, diags := NewConfig().WithSources(filepath.Join(t.TempDir(), "nope.hcl")).Build()
		assert.True(t, diags.HasErrors())
	})

	t.Run("unsupported source", func(t *testing.T) {
		_, diags := NewConfig().WithSources(42).Build()
		assert.True(t, diags.HasErrors())
	})

	t.Run("unknown block", func(t *testing.T) {
		_, diags := NewConfig().WithSources([]byte(`bus "main" {}`)).Build()
		assert.True(t, diags.HasErrors())
	})

	t.Run("syntax error", func(t *testing.T) {
		_, diags := NewConfig().WithSources([]byte(`server {`)).Build()
		assert.True(t, diags.HasErrors())
	})
}

func TestEnvObject(t *testing.T) {
	env := envObject(testEnv)

	assert.Equal(t, "alice", env.GetAttr("PUSH_USER").AsString())
	assert.Equal(t, "x", env.GetAttr("_BAD_NAME").AsString())

	assert.Equal(t, "_", sanitizeEnvVarName(""))
	assert.Equal(t, "a-b_c9", sanitizeEnvVarName("a-b.c9"))
	assert.Equal(t, "_9", sanitizeEnvVarName("99"))
	assert.True(t, GetEnvObject().Type().IsObjectType())
}
