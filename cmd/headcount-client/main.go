// Command headcount-client drives a Headcount server from the terminal the
// way a kiosk or phone would: it keeps a persistent device id, opens a
// session and toggles in or out. --burst fires concurrent toggles from one
// device to watch the busy and contended paths.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/headcount/internal/device"
	"github.com/nerrad567/headcount/internal/identity"
	"github.com/nerrad567/headcount/internal/infrastructure/config"
	"github.com/nerrad567/headcount/internal/infrastructure/discovery"
	"github.com/nerrad567/headcount/internal/infrastructure/logging"
)

var version = "dev"

// Actions accepted by --action.
const (
	actionSession = "session"
	actionToggle  = "toggle"
	actionEnter   = "enter"
	actionExit    = "exit"
	actionStatus  = "status"
	actionCount   = "count"
	actionHistory = "history"
)

var errUsage = errors.New("usage")

type options struct {
	server          string
	discover        bool
	discoverTimeout time.Duration
	idFile          string
	action          string
	burst           int
	limit           int
	json            bool
	logLevel        string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func defaultIDFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".headcount-device-id"
	}
	return filepath.Join(dir, "headcount", "device-id")
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("headcount-client", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.server, "server", "s", "http://localhost:8080", "Headcount server URL")
	fs.BoolVar(&opts.discover, "discover", false, "find the server on the LAN via mDNS instead of --server")
	fs.DurationVar(&opts.discoverTimeout, "discover-timeout", 3*time.Second, "how long to browse for servers")
	fs.StringVar(&opts.idFile, "id-file", defaultIDFile(), "file holding this device's id")
	fs.StringVarP(&opts.action, "action", "a", actionToggle, "session|toggle|enter|exit|status|count|history")
	fs.IntVarP(&opts.burst, "burst", "n", 1, "concurrent toggles to fire (toggle, enter and exit only)")
	fs.IntVar(&opts.limit, "limit", 10, "history entries to show")
	fs.BoolVar(&opts.json, "json", false, "print JSON instead of text")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "debug|info|warn|error")

	if err := fs.Parse(args); err != nil {
		return opts, errUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n", fs.Args())
		return opts, errUsage
	}

	switch opts.action {
	case actionSession, actionToggle, actionEnter, actionExit, actionStatus, actionCount, actionHistory:
	default:
		fmt.Fprintf(stderr, "unknown action %q\n", opts.action)
		return opts, errUsage
	}
	if opts.burst < 1 {
		fmt.Fprintln(stderr, "--burst must be at least 1")
		return opts, errUsage
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	log := logging.New(config.LoggingConfig{Level: opts.logLevel, Format: "text", Output: "stderr"}, version)

	deviceID, err := identity.NewProvider(identity.FileSource{Path: opts.idFile}).ID()
	if err != nil {
		return fmt.Errorf("loading device id: %w", err)
	}
	log.Debug("device identity loaded", "device_id", deviceID, "file", opts.idFile)

	server := opts.server
	if opts.discover {
		server, err = discoverServer(ctx, opts.discoverTimeout)
		if err != nil {
			return err
		}
		log.Info("discovered server", "url", server)
	}

	client, err := NewClient(server, deviceID)
	if err != nil {
		return err
	}

	out := printer{w: stdout, json: opts.json}
	switch opts.action {
	case actionSession:
		resp, err := client.Session(ctx)
		if err != nil {
			return err
		}
		return out.print(resp, fmt.Sprintf("device %s is %s, %d people here", resp.DeviceID, resp.Status, resp.Count))

	case actionToggle, actionEnter, actionExit:
		var dir device.Direction
		if opts.action != actionToggle {
			dir, err = device.ParseDirection(opts.action)
			if err != nil {
				return err
			}
		}
		if opts.burst > 1 {
			return runBurst(ctx, client, dir, opts.burst, out)
		}
		outcome, err := client.Toggle(ctx, dir)
		if err != nil {
			return err
		}
		return out.print(outcome, describe(outcome))

	case actionStatus:
		status, err := client.Status(ctx)
		if err != nil {
			return err
		}
		return out.print(map[string]any{"deviceId": deviceID, "status": status}, fmt.Sprintf("device %s is %s", deviceID, status))

	case actionCount:
		n, err := client.Count(ctx)
		if err != nil {
			return err
		}
		return out.print(map[string]int{"count": n}, fmt.Sprintf("%d people here", n))

	case actionHistory:
		entries, err := client.History(ctx, opts.limit)
		if err != nil {
			return err
		}
		text := "no history"
		if len(entries) > 0 {
			text = ""
			for i, e := range entries {
				if i > 0 {
					text += "\n"
				}
				text += fmt.Sprintf("%s: %s → %d people", e.Time, e.Action, e.Count)
			}
		}
		return out.print(entries, text)
	}
	return nil
}

func discoverServer(ctx context.Context, timeout time.Duration) (string, error) {
	services, err := discovery.Browse(ctx, timeout)
	if err != nil {
		return "", fmt.Errorf("browsing for servers: %w", err)
	}
	if len(services) == 0 {
		return "", fmt.Errorf("no Headcount server found on the network within %v", timeout)
	}
	return services[0].URL(), nil
}

// runBurst fires n toggles at once from the same device and tallies the results.
func runBurst(ctx context.Context, client *Client, dir device.Direction, n int, out printer) error {
	var (
		mu      sync.Mutex
		results = make(map[device.Result]int)
	)

	g, gctx := errgroup.WithContext(ctx)
	for range n {
		g.Go(func() error {
			outcome, err := client.Toggle(gctx, dir)
			if err != nil && outcome.Result == "" {
				return err
			}
			mu.Lock()
			results[outcome.Result]++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	names := make([]string, 0, len(results))
	for r := range results {
		names = append(names, string(r))
	}
	sort.Strings(names)
	text := fmt.Sprintf("%d toggles:", n)
	for _, name := range names {
		text += fmt.Sprintf(" %s=%d", name, results[device.Result(name)])
	}
	return out.print(results, text)
}

func describe(o device.Outcome) string {
	text := fmt.Sprintf("%s, device is %s", o.Result, o.Status)
	if o.Result == device.ResultCommitted {
		text += fmt.Sprintf(", %d people here", o.Count)
	}
	if o.Notice != "" {
		text += " (" + o.Notice + ")"
	}
	return text
}

type printer struct {
	w    io.Writer
	json bool
}

func (p printer) print(v any, text string) error {
	if p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(p.w, text)
	return err
}
