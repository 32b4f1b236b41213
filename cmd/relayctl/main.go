// ABOUTME: Entry point for relayctl, a command-line proxy for coven-relay services
// ABOUTME: Usage: relayctl call <service> <op> [json] | relayctl watch <service> <kind>...

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/relay"
)

// errCallFailed marks a call whose outcome was a Failure; the outcome has
// already been printed.
var errCallFailed = errors.New("call failed")

func usage() {
	fmt.Println("Usage: relayctl <command> [flags] <args>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  call <service> <op> [json]     Send one request and print the outcome")
	fmt.Println("  watch <service> <kind>...      Subscribe and print notifications until interrupted")
	fmt.Println()
	fmt.Println("Flags (both commands):")
	fs := flag.NewFlagSet("relayctl", flag.ContinueOnError)
	opts := defaultOptions()
	opts.register(fs)
	fs.SetOutput(os.Stdout)
	fs.PrintDefaults()
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "call":
		err = runCall(ctx, os.Args[2:], os.Stdout)
	case "watch":
		err = runWatch(ctx, os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if errors.Is(err, errCallFailed) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// callArgs is a parsed call command line.
type callArgs struct {
	service string
	op      protocol.OperationKind
	payload json.RawMessage
}

// parseCallArgs parses a call command line; opts holds the flag defaults on
// entry and the parsed flags on return.
func parseCallArgs(args []string, opts *connOptions) (callArgs, error) {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	opts.register(fs)
	if err := fs.Parse(args); err != nil {
		return callArgs{}, err
	}
	if err := opts.validate(); err != nil {
		return callArgs{}, err
	}

	rest := fs.Args()
	if len(rest) < 2 || len(rest) > 3 {
		return callArgs{}, errors.New("usage: relayctl call [flags] <service> <op> [json]")
	}
	ca := callArgs{service: rest[0], op: protocol.OperationKind(rest[1])}
	if len(rest) == 3 {
		if !json.Valid([]byte(rest[2])) {
			return callArgs{}, fmt.Errorf("payload is not valid JSON: %s", rest[2])
		}
		ca.payload = json.RawMessage(rest[2])
	}
	return ca, nil
}

// runCall opens a proxy, sends one request as part of initialisation and
// prints the outcome.
func runCall(ctx context.Context, args []string, out io.Writer) error {
	opts := defaultOptions()
	ca, err := parseCallArgs(args, &opts)
	if err != nil {
		return err
	}
	logger := opts.logger()

	conn, err := connect(ctx, &opts, ca.service, logger)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", ca.service, err)
	}
	defer conn.Close()

	rt := relay.NewRuntime(relay.Options{Logger: logger})
	defer func() { _ = rt.Shutdown(context.Background()) }()

	proxy := relay.NewProxy(rt, conn.ch, relay.ProxyConfig{Name: "relayctl"})
	defer proxy.Shutdown()

	callCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	start := time.Now()
	outcome, err := proxy.InitAndAwait(callCtx, ca.op, ca.payload)
	if err != nil {
		return fmt.Errorf("%s: %w", ca.op, err)
	}
	return printOutcome(out, ca.op, outcome, time.Since(start))
}

func printOutcome(out io.Writer, op protocol.OperationKind, o protocol.Outcome, took time.Duration) error {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	if !o.OK() {
		_, _ = red.Fprint(out, "✗ ")
		fmt.Fprintf(out, "%s failed: %s", op, o.Failure.Kind)
		if o.Failure.Code != "" {
			fmt.Fprintf(out, " [%s]", o.Failure.Code)
		}
		if o.Failure.Message != "" {
			fmt.Fprintf(out, " %s", o.Failure.Message)
		}
		fmt.Fprintln(out)
		return errCallFailed
	}

	_, _ = green.Fprint(out, "✓ ")
	fmt.Fprintf(out, "%s", op)
	_, _ = gray.Fprintf(out, " (%s)\n", took.Round(time.Millisecond))
	if len(o.Payload) > 0 {
		fmt.Fprintln(out, indentJSON(o.Payload))
	}
	return nil
}

// indentJSON pretty-prints raw, or returns it unchanged if it is not JSON.
func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// runWatch opens a proxy with a listener per kind and prints every
// notification until the host goes away or the command is interrupted.
func runWatch(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	opts := defaultOptions()
	opts.register(fs)
	showState := fs.Bool("state", false, "print the cached state after each snapshot")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := opts.validate(); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return errors.New("usage: relayctl watch [flags] <service> <kind>...")
	}
	service := rest[0]
	categories := make([]relay.Category, 0, len(rest)-1)
	for _, k := range rest[1:] {
		categories = append(categories, relay.Category(k))
	}
	logger := opts.logger()

	conn, err := connect(ctx, &opts, service, logger)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", service, err)
	}
	defer conn.Close()

	rt := relay.NewRuntime(relay.Options{Logger: logger})
	defer func() { _ = rt.Shutdown(context.Background()) }()

	proxy := relay.NewProxy(rt, conn.ch, relay.ProxyConfig{
		Name:               "relayctl-watch",
		RequiredCategories: categories,
	})
	defer proxy.Shutdown()
	if err := proxy.Init(); err != nil {
		return err
	}

	printer := newNotificationPrinter(out)
	for _, c := range categories {
		if _, err := proxy.RegisterListener(c, func(n protocol.Notification) {
			printer.print(n)
			if *showState && n.Snapshot {
				printer.state(proxy.State())
			}
		}); err != nil {
			return fmt.Errorf("listening for %s: %w", c, err)
		}
	}

	cyan := color.New(color.FgCyan)
	_, _ = cyan.Fprintf(out, "watching %s for %d kind(s), Ctrl-C to stop\n", service, len(categories))

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !proxy.Live() {
				return fmt.Errorf("%s closed the channel", service)
			}
		}
	}
}

// notificationPrinter writes notifications one per line. Listeners run on
// the proxy loop, so calls never overlap.
type notificationPrinter struct {
	out  io.Writer
	kind *color.Color
	snap *color.Color
	gray *color.Color
}

func newNotificationPrinter(out io.Writer) *notificationPrinter {
	return &notificationPrinter{
		out:  out,
		kind: color.New(color.FgYellow),
		snap: color.New(color.FgMagenta),
		gray: color.New(color.FgHiBlack),
	}
}

func (p *notificationPrinter) print(n protocol.Notification) {
	_, _ = p.gray.Fprintf(p.out, "%s ", time.Now().Format("15:04:05.000"))
	_, _ = p.kind.Fprint(p.out, n.Kind)
	if n.Snapshot {
		_, _ = p.snap.Fprint(p.out, " [snapshot]")
	}
	if len(n.Payload) > 0 {
		fmt.Fprintf(p.out, " %s", compactJSON(n.Payload))
	}
	fmt.Fprintln(p.out)
}

func (p *notificationPrinter) state(fields map[string]json.RawMessage) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = p.gray.Fprintf(p.out, "    %s = ", k)
		fmt.Fprintln(p.out, compactJSON(fields[k]))
	}
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
