package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tsarna/pushclient/pkg/pushclient"
	"go.uber.org/zap"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status <server-url>",
	Short: "Connect and print every status change",
	Long: `Connect to a push server and print the client status each time it
changes, together with server errors and session details, until interrupted.

Examples:
  pushclient status https://push.example.com
  pushclient status wss://push.example.com --transport WS-POLLING`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var statusConn connectionFlags

func init() {
	rootCmd.AddCommand(statusCmd)

	statusConn.register(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	printer := newStatusPrinter(os.Stdout)
	client, _, err := statusConn.newClient(logger, args[0],
		pushclient.NewLoggingDelegate(printer, logger, zap.DebugLevel))
	if err != nil {
		return err
	}
	defer client.Close()
	printer.details = client.Details()

	ctx, stop := signalContext()
	defer stop()

	if err := client.Connect(); err != nil {
		return err
	}
	<-ctx.Done()
	return client.Disconnect()
}

// statusPrinter prints one colored line per status change.
type statusPrinter struct {
	pushclient.BaseClientDelegate
	out     io.Writer
	now     func() time.Time
	details *pushclient.ConnectionDetails
}

func newStatusPrinter(out io.Writer) *statusPrinter {
	return &statusPrinter{out: out, now: time.Now}
}

func statusColor(s pushclient.Status) *color.Color {
	switch {
	case s.IsConnected():
		return color.New(color.FgGreen)
	case s == pushclient.StatusStalled, s == pushclient.StatusWillRetry:
		return color.New(color.FgYellow)
	case s.IsDisconnected():
		return color.New(color.FgRed)
	}
	return color.New(color.FgCyan)
}

func (p *statusPrinter) OnStatusChange(s pushclient.Status) {
	line := fmt.Sprintf("%s %s", p.now().Format(time.TimeOnly), statusColor(s).Sprint(s))
	if s.IsConnected() && p.details != nil {
		if id := p.details.SessionID(); id != "" {
			line += " session=" + id
		}
	}
	fmt.Fprintln(p.out, line)
}

func (p *statusPrinter) OnServerError(code int, msg string) {
	fmt.Fprintf(p.out, "%s %s\n", p.now().Format(time.TimeOnly), color.New(color.FgRed, color.Bold).Sprintf("server error %d: %s", code, msg))
}

func (p *statusPrinter) OnPropertyChange(property string) {
	if p.details == nil {
		return
	}
	switch property {
	case pushclient.PropServerInstanceAddress:
		fmt.Fprintf(p.out, "  control link: %s\n", p.details.ServerInstanceAddress())
	case pushclient.PropClientIP:
		fmt.Fprintf(p.out, "  client ip: %s\n", p.details.ClientIP())
	case pushclient.PropServerSocketName:
		fmt.Fprintf(p.out, "  server: %s\n", p.details.ServerSocketName())
	}
}
