package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tsarna/pushclient/pkg/pushclient"
	"github.com/tsarna/pushclient/pkg/pushclient/config"
	"github.com/tsarna/pushclient/pkg/pushclient/otel"
	"go.uber.org/zap"
)

// Version is reported to telemetry backends.
var Version = "dev"

// connectionFlags are shared by every command that opens a session.
type connectionFlags struct {
	configPaths     []string
	adapterSet      string
	user            string
	password        string
	forcedTransport string
	telemetry       bool
}

func (f *connectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.configPaths, "config", "c", nil, "HCL configuration files or directories")
	cmd.Flags().StringVar(&f.adapterSet, "adapter-set", "", "adapter set to connect to")
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "user name")
	cmd.Flags().StringVarP(&f.password, "password", "p", "", "password")
	cmd.Flags().StringVar(&f.forcedTransport, "transport", "", "force a transport (WS, HTTP, WS-STREAMING, HTTP-STREAMING, WS-POLLING, HTTP-POLLING)")
	cmd.Flags().BoolVar(&f.telemetry, "telemetry", false, "report metrics and traces to the global OpenTelemetry providers")
}

// newClient builds a client from the config files, if any, then the flags.
// url may be empty when a config file names the server. The returned config
// is nil without --config.
func (f *connectionFlags) newClient(logger *zap.Logger, url string, delegates ...pushclient.ClientDelegate) (*pushclient.Client, *config.Config, error) {
	builder := pushclient.NewClient().WithLogger(logger)

	var cfg *config.Config
	if len(f.configPaths) > 0 {
		sources := make([]any, len(f.configPaths))
		for i, p := range f.configPaths {
			sources[i] = p
		}
		var diags error
		cfg, diags = buildConfig(logger, sources)
		if diags != nil {
			return nil, nil, diags
		}
		var err error
		if builder, err = cfg.Apply(builder); err != nil {
			return nil, nil, err
		}
	}

	if url != "" {
		builder = builder.WithServerAddress(url)
	}
	if f.adapterSet != "" {
		builder = builder.WithAdapterSet(f.adapterSet)
	}
	if f.user != "" || f.password != "" {
		builder = builder.WithCredentials(f.user, f.password)
	}
	if f.telemetry {
		provider := otel.NewProvider("pushclient", Version)
		builder = builder.WithMetrics(provider).WithTracing(provider)
	}
	for _, d := range delegates {
		builder = builder.WithDelegate(d)
	}

	client, err := builder.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create client: %w", err)
	}

	if f.forcedTransport != "" {
		t, err := pushclient.ParseTransport(f.forcedTransport)
		if err == nil {
			err = client.Options().SetForcedTransport(t)
		}
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
	}
	return client, cfg, nil
}

func buildConfig(logger *zap.Logger, sources []any) (*config.Config, error) {
	cfg, diags := config.NewConfig().WithLogger(logger).WithSources(sources...).Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Any("diags", diags))
		return nil, diags
	}
	return cfg, nil
}

// serverArg returns the optional server URL argument.
func serverArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
