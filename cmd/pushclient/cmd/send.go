package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tsarna/pushclient/pkg/pushclient"
	"github.com/tsarna/pushclient/pkg/pushclient/message"
	"go.uber.org/zap"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <server-url> <text>",
	Short: "Send messages to a push server",
	Long: `Send a message to a push server and wait for its outcome.

Messages on the same --sequence are processed in order. With --cron the
message is sent on a schedule until --count messages went out or the
command is interrupted.

Examples:
  pushclient send https://push.example.com "hello"
  pushclient send https://push.example.com "buy 10" --sequence orders --timeout 5s
  pushclient send https://push.example.com "ping" --cron "@every 10s" --count 6`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

var (
	sendConn     connectionFlags
	sendSequence string
	sendTimeout  time.Duration
	sendCron     string
	sendCount    int
	sendEnqueue  bool
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendConn.register(sendCmd)
	sendCmd.Flags().StringVarP(&sendSequence, "sequence", "s", "", "sequence the message belongs to (unordered by default)")
	sendCmd.Flags().DurationVarP(&sendTimeout, "timeout", "t", 0, "time the server may take to process the message (server default if zero)")
	sendCmd.Flags().StringVar(&sendCron, "cron", "", "cron schedule for repeated sends")
	sendCmd.Flags().IntVarP(&sendCount, "count", "n", 1, "number of messages to send")
	sendCmd.Flags().BoolVar(&sendEnqueue, "enqueue", true, "queue messages while the client is not connected")
}

func runSend(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	if sendCount < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	if sendSequence != "" && !message.ValidSequence(sendSequence) {
		return fmt.Errorf("invalid sequence name %q", sendSequence)
	}

	client, _, err := sendConn.newClient(logger, args[0])
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signalContext()
	defer stop()

	if err := client.Connect(); err != nil {
		return err
	}

	reporter := newOutcomeReporter(os.Stdout, sendCount)
	sender := &messageSender{
		client:   client,
		logger:   logger,
		text:     args[1],
		delegate: pushclient.NewLoggingMessageDelegate(reporter, logger, zap.DebugLevel),
		limit:    sendCount,
	}

	if sendCron == "" {
		for range sendCount {
			sender.Run()
		}
	} else {
		scheduler := newCron(logger)
		if _, err := scheduler.AddJob(sendCron, sender); err != nil {
			return fmt.Errorf("invalid cron schedule %q: %w", sendCron, err)
		}
		scheduler.Start()
		defer func() {
			<-scheduler.Stop().Done()
		}()
	}

	select {
	case <-reporter.done:
	case <-ctx.Done():
		logger.Debug("Signal received, exiting")
	}

	if err := client.Disconnect(); err != nil {
		logger.Warn("Error during client disconnect", zap.Error(err))
	}
	return reporter.err()
}

// messageSender submits one message per Run until limit is reached. It is
// the cron job of --cron.
type messageSender struct {
	client   *pushclient.Client
	logger   *zap.Logger
	text     string
	delegate message.Delegate
	limit    int

	mu   sync.Mutex
	sent int
}

func (s *messageSender) Run() {
	s.mu.Lock()
	if s.sent >= s.limit {
		s.mu.Unlock()
		return
	}
	s.sent++
	s.mu.Unlock()

	m := message.New(s.text, sendSequence)
	m.Timeout = sendTimeout
	m.EnqueueWhileDisconnected = sendEnqueue
	m.Delegate = s.delegate
	if err := s.client.SendMessage(m); err != nil {
		s.logger.Error("Failed to send message", zap.Error(err))
	}
}

// outcomeReporter prints one line per message outcome and closes done once
// every expected outcome arrived.
type outcomeReporter struct {
	out      io.Writer
	expected int
	done     chan struct{}

	mu       sync.Mutex
	received int
	failures int

	ok  func(format string, a ...any) string
	bad func(format string, a ...any) string
}

func newOutcomeReporter(out io.Writer, expected int) *outcomeReporter {
	return &outcomeReporter{
		out:      out,
		expected: expected,
		done:     make(chan struct{}),
		ok:       color.New(color.FgGreen).SprintfFunc(),
		bad:      color.New(color.FgRed).SprintfFunc(),
	}
}

func (r *outcomeReporter) record(failed bool, line string) {
	fmt.Fprintln(r.out, line)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received++
	if failed {
		r.failures++
	}
	if r.received == r.expected {
		close(r.done)
	}
}

func (r *outcomeReporter) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		return fmt.Errorf("%d of %d messages were not processed", r.failures, r.received)
	}
	if r.received < r.expected {
		return context.Canceled
	}
	return nil
}

func (r *outcomeReporter) OnProcessed(m *message.Message, response string) {
	if response != "" {
		r.record(false, r.ok("processed: %s", response))
	} else {
		r.record(false, r.ok("processed"))
	}
}

func (r *outcomeReporter) OnDenied(m *message.Message, code int, reason string) {
	r.record(true, r.bad("denied %d: %s", code, reason))
}

func (r *outcomeReporter) OnFailed(m *message.Message) {
	r.record(true, r.bad("failed"))
}

func (r *outcomeReporter) OnDiscarded(m *message.Message) {
	r.record(true, r.bad("discarded"))
}

func (r *outcomeReporter) OnAbort(m *message.Message, sentOnNetwork bool) {
	r.record(true, r.bad("aborted (sent: %t)", sentOnNetwork))
}
