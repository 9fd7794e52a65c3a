package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tsarna/pushclient/pkg/pushclient"
	"github.com/tsarna/pushclient/pkg/pushclient/subscription"
	"github.com/tsarna/pushclient/pkg/pushclient/transform"
	"go.uber.org/zap"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <server-url> [items...]",
	Short: "Subscribe to items and print their updates",
	Long: `Subscribe to items on a push server and print every update to stdout,
one JSON document per line, prefixed by the item name.

Items given on the command line form one subscription built from the
--mode, --fields, --snapshot and --frequency flags. Subscriptions defined in
--config files are added as well.

Examples:
  pushclient subscribe https://push.example.com item1 item2 --fields last_price,time
  pushclient subscribe wss://push.example.com portfolio1 --mode COMMAND --fields key,command,qty
  pushclient subscribe https://push.example.com item1 --fields last_price --jq '.fields.last_price'
  pushclient subscribe https://push.example.com --config quotes.hcl`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubscribe,
}

var (
	subscribeConn      connectionFlags
	subscribeMode      string
	subscribeFields    []string
	subscribeSnapshot  string
	subscribeFrequency string
	subscribeAdapter   string
	subscribeJq        string
	changedOnly        bool
	skipSnapshot       bool
)

func init() {
	rootCmd.AddCommand(subscribeCmd)

	subscribeConn.register(subscribeCmd)
	subscribeCmd.Flags().StringVarP(&subscribeMode, "mode", "m", "MERGE", "subscription mode (MERGE, DISTINCT, RAW, COMMAND)")
	subscribeCmd.Flags().StringSliceVarP(&subscribeFields, "fields", "f", nil, "fields to subscribe to")
	subscribeCmd.Flags().StringVar(&subscribeSnapshot, "snapshot", "", "requested snapshot (yes, no, or a length for DISTINCT)")
	subscribeCmd.Flags().StringVar(&subscribeFrequency, "frequency", "", "requested max frequency (unlimited, unfiltered, or updates per second)")
	subscribeCmd.Flags().StringVar(&subscribeAdapter, "data-adapter", "", "data adapter of the subscription")
	subscribeCmd.Flags().StringVar(&subscribeJq, "jq", "", "jq filter applied to every update")
	subscribeCmd.Flags().BoolVar(&changedOnly, "changed-only", false, "print only the fields that changed")
	subscribeCmd.Flags().BoolVar(&skipSnapshot, "skip-snapshot", false, "do not print snapshot updates")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	transforms, err := updateTransforms(logger)
	if err != nil {
		return err
	}

	client, cfg, err := subscribeConn.newClient(logger, serverArg(args))
	if err != nil {
		return err
	}
	defer client.Close()

	var subs []*subscription.Subscription
	if cfg != nil {
		if subs, err = cfg.NewSubscriptions(); err != nil {
			return err
		}
	}
	if items := args[1:]; len(items) > 0 {
		sub, err := commandLineSubscription(items)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}
	if len(subs) == 0 {
		return fmt.Errorf("nothing to subscribe to: give items or a config with subscription blocks")
	}

	printer := newUpdatePrinter(os.Stdout, os.Stderr, transforms)
	for _, sub := range subs {
		sub.AddDelegate(pushclient.NewLoggingSubscriptionDelegate(printer, logger, zap.DebugLevel))
		if err := client.Subscribe(sub); err != nil {
			return err
		}
	}

	ctx, stop := signalContext()
	defer stop()

	if err := client.Connect(); err != nil {
		return err
	}
	logger.Info("Listening for updates", zap.Int("subscriptions", len(subs)))

	<-ctx.Done()
	logger.Debug("Signal received, exiting")
	return client.Disconnect()
}

func updateTransforms(logger *zap.Logger) ([]transform.RecordTransformFunc, error) {
	var transforms []transform.RecordTransformFunc
	if skipSnapshot {
		transforms = append(transforms, transform.DropSnapshot())
	}
	if changedOnly {
		transforms = append(transforms, transform.ChangedFieldsOnly())
	}
	if subscribeJq != "" {
		jq, err := transform.JqTransform(subscribeJq, logger)
		if err != nil {
			return nil, err
		}
		transforms = append(transforms, jq)
	}
	return transforms, nil
}

func commandLineSubscription(items []string) (*subscription.Subscription, error) {
	mode, err := subscription.ParseMode(subscribeMode)
	if err != nil {
		return nil, err
	}
	fields := subscribeFields
	if mode == subscription.Command && len(fields) == 0 {
		fields = []string{subscription.KeyField, subscription.CommandField}
	}
	sub, err := subscription.New(mode, items, fields)
	if err != nil {
		return nil, err
	}
	if subscribeSnapshot != "" {
		if err := sub.SetRequestedSnapshot(subscribeSnapshot); err != nil {
			return nil, err
		}
	}
	if subscribeFrequency != "" {
		if err := sub.SetRequestedMaxFrequency(subscribeFrequency); err != nil {
			return nil, err
		}
	}
	if subscribeAdapter != "" {
		if err := sub.SetDataAdapter(subscribeAdapter); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// updatePrinter writes transformed updates to out and subscription events to
// errOut.
type updatePrinter struct {
	*transform.Delegate
	out    io.Writer
	errOut io.Writer
	item   func(a ...any) string
	notice func(format string, a ...any) string
	alert  func(format string, a ...any) string
}

func newUpdatePrinter(out, errOut io.Writer, transforms []transform.RecordTransformFunc) *updatePrinter {
	p := &updatePrinter{
		out:    out,
		errOut: errOut,
		item:   color.New(color.FgCyan).SprintFunc(),
		notice: color.New(color.FgYellow).SprintfFunc(),
		alert:  color.New(color.FgRed).SprintfFunc(),
	}
	p.Delegate = transform.NewDelegate(p.print, transforms...)
	return p
}

func (p *updatePrinter) print(rec *transform.Record) {
	name := rec.Item
	if rec.Key != "" {
		name += "[" + rec.Key + "]"
	}
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		fmt.Fprintf(p.out, "%s\t<error marshaling JSON: %v>\n", p.item(name), err)
		return
	}
	fmt.Fprintf(p.out, "%s\t%s\n", p.item(name), data)
}

func (p *updatePrinter) OnSubscriptionError(sub *subscription.Subscription, code int, msg string) {
	fmt.Fprintln(p.errOut, p.alert("subscription error %d: %s", code, msg))
}

func (p *updatePrinter) OnItemLostUpdates(sub *subscription.Subscription, item string, pos int, lost int) {
	fmt.Fprintln(p.errOut, p.notice("%s: %d updates lost", item, lost))
}

func (p *updatePrinter) OnClearSnapshot(sub *subscription.Subscription, item string, pos int) {
	fmt.Fprintln(p.errOut, p.notice("%s: snapshot cleared", item))
}

func (p *updatePrinter) OnCommandSecondLevelSubscriptionError(sub *subscription.Subscription, code int, msg string, key string) {
	fmt.Fprintln(p.errOut, p.alert("second-level error on %s %d: %s", key, code, msg))
}
