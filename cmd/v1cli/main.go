// Command v1cli is an interactive console for a Valentine One. It scans,
// connects to the chosen detector, draws a live status line and accepts
// simple commands. With -remote it drives a running v1link service instead.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/v1link/internal/api"
	"github.com/banshee-data/v1link/internal/config"
	"github.com/banshee-data/v1link/internal/esp"
	"github.com/banshee-data/v1link/internal/httputil"
	"github.com/banshee-data/v1link/internal/link"
	"github.com/banshee-data/v1link/internal/monitoring"
	"github.com/banshee-data/v1link/internal/session"
)

var (
	transport   = flag.String("transport", config.TransportBLE, "Link transport: ble, serial or sim")
	port        = flag.String("port", "/dev/ttyUSB0", "Serial port for the serial transport")
	scanTimeout = flag.Duration("scan", 5*time.Second, "How long to scan for detectors")
	remote      = flag.String("remote", "", "Base URL of a running v1link service, e.g. http://car.local:8080")
	debugMode   = flag.Bool("debug", false, "Log per-frame debug output")
)

const commandHelp = "Available: ver, sweeps, alerts_on, alerts_off, exit"

// detector is what the command loop drives, locally or over HTTP.
type detector interface {
	RequestVersion(ctx context.Context) (string, error)
	Sweeps(ctx context.Context) ([]esp.SweepDefinition, error)
	StartAlertData(ctx context.Context) error
	StopAlertData(ctx context.Context) error
}

// localDetector drives a session manager in this process.
type localDetector struct{ m *session.Manager }

func (d localDetector) RequestVersion(ctx context.Context) (string, error) {
	return d.m.RequestVersion(ctx)
}

func (d localDetector) Sweeps(ctx context.Context) ([]esp.SweepDefinition, error) {
	fw := d.m.Firmware()
	if fw == "" {
		return nil, errors.New("unknown firmware version; run 'ver' first")
	}
	if !esp.SupportsSweeps(fw) {
		return nil, fmt.Errorf("sweeps not supported on %s (requires V%.4f or later)", fw, esp.MinSweepFirmware)
	}
	return d.m.RequestSweeps(ctx)
}

func (d localDetector) StartAlertData(ctx context.Context) error { return d.m.StartAlertData(ctx) }
func (d localDetector) StopAlertData(ctx context.Context) error  { return d.m.StopAlertData(ctx) }

// remoteDetector drives a v1link service through its HTTP API. Sweeps are
// the ones the service read during its startup handshake.
type remoteDetector struct{ c *api.Client }

func (d remoteDetector) RequestVersion(ctx context.Context) (string, error) {
	return d.c.RequestVersion(ctx)
}

func (d remoteDetector) Sweeps(ctx context.Context) ([]esp.SweepDefinition, error) {
	info, err := d.c.Session(ctx)
	if err != nil {
		return nil, err
	}
	if info.Firmware != "" && !esp.SupportsSweeps(info.Firmware) {
		return nil, fmt.Errorf("sweeps not supported on %s (requires V%.4f or later)", info.Firmware, esp.MinSweepFirmware)
	}
	return info.Sweeps, nil
}

func (d remoteDetector) StartAlertData(ctx context.Context) error { return d.c.StartAlertData(ctx) }
func (d remoteDetector) StopAlertData(ctx context.Context) error  { return d.c.StopAlertData(ctx) }

// pinnedTransport hands the session manager the device the user picked
// instead of the first one a fresh scan finds.
type pinnedTransport struct {
	link.Transport
	dev link.Device
}

func (t pinnedTransport) Scan(ctx context.Context, _ time.Duration, _ int) ([]link.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []link.Device{t.dev}, nil
}

// runCommands reads commands from lines until exit or end of input.
func runCommands(ctx context.Context, lines *bufio.Scanner, console *Console, d detector) {
	for lines.Scan() {
		cmd := strings.ToLower(strings.TrimSpace(lines.Text()))
		if cmd == "" {
			continue
		}
		if cmd == "exit" {
			return
		}
		if err := runCommand(ctx, cmd, console, d); err != nil {
			console.Printf("Error: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func runCommand(ctx context.Context, cmd string, console *Console, d detector) error {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	switch cmd {
	case "ver":
		v, err := d.RequestVersion(ctx)
		if err != nil {
			return err
		}
		console.Printf("Firmware Version: %s", v)
	case "sweeps":
		sweeps, err := d.Sweeps(ctx)
		if err != nil {
			return err
		}
		console.Printf("--- Custom Sweeps ---")
		for _, s := range sweeps {
			commit := ""
			if s.Commit {
				commit = " (commit)"
			}
			console.Printf("Sweep %d: %d - %d MHz%s", s.Index, s.LowerMHz, s.UpperMHz, commit)
		}
		console.Printf("---------------------")
	case "alerts_on":
		if err := d.StartAlertData(ctx); err != nil {
			return err
		}
		console.Printf("Alert data stream enabled.")
	case "alerts_off":
		if err := d.StopAlertData(ctx); err != nil {
			return err
		}
		console.Printf("Alert data stream disabled.")
	default:
		console.Printf("Unknown command: '%s'. %s", cmd, commandHelp)
	}
	return nil
}

// chooseDevice lists devs and reads a selection.
func chooseDevice(lines *bufio.Scanner, out io.Writer, devs []link.Device) (link.Device, error) {
	fmt.Fprintln(out, "\nFound devices:")
	for i, d := range devs {
		fmt.Fprintf(out, "  %d: %s\n", i, d)
	}
	if len(devs) == 1 {
		return devs[0], nil
	}
	fmt.Fprint(out, "Select a device: ")
	if !lines.Scan() {
		return link.Device{}, errors.New("no selection")
	}
	n, err := strconv.Atoi(strings.TrimSpace(lines.Text()))
	if err != nil || n < 0 || n >= len(devs) {
		return link.Device{}, fmt.Errorf("invalid choice %q", lines.Text())
	}
	return devs[n], nil
}

func runLocal(ctx context.Context, lines *bufio.Scanner, console *Console) error {
	cfg := config.EmptyConfig()
	cfg.Transport = transport
	cfg.SerialPort = port
	if err := cfg.Validate(); err != nil {
		return err
	}
	tr, err := cfg.NewTransport()
	if err != nil {
		return err
	}

	fmt.Printf("Scanning for V1 devices (%s, %v)...\n", tr.Name(), *scanTimeout)
	devs, err := tr.Scan(ctx, *scanTimeout, 0)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if len(devs) == 0 {
		return errors.New("no V1 devices found")
	}
	dev, err := chooseDevice(lines, os.Stdout, devs)
	if err != nil {
		return err
	}

	opts := cfg.SessionOptions()
	opts.Transport = pinnedTransport{Transport: tr, dev: dev}
	opts.OnFrame = console.HandleFrame
	m := session.NewManager(opts)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	fmt.Printf("Connecting to %s...\n", dev)
	fmt.Println("Real-time display started. Type commands and press Enter.")
	runCommands(ctx, lines, console, localDetector{m})

	console.Printf("Shutting down...")
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runRemote(ctx context.Context, lines *bufio.Scanner, console *Console) error {
	c := api.NewClient(*remote, httputil.NewStandardClient(nil))
	info, err := c.Session(ctx)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", *remote, err)
	}
	fmt.Printf("Connected to %s (session %s)\n", *remote, info.State)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if d, err := c.State(ctx); err == nil {
					console.RenderState(d)
				}
			}
		}
	}()

	fmt.Println("Status polling started. Type commands and press Enter.")
	runCommands(ctx, lines, console, remoteDetector{c})
	console.Printf("Shutting down...")
	return nil
}

func main() {
	flag.Parse()
	monitoring.SetDebug(*debugMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lines := bufio.NewScanner(os.Stdin)
	console := NewConsole(os.Stdout)

	var err error
	if *remote != "" {
		err = runRemote(ctx, lines, console)
	} else {
		err = runLocal(ctx, lines, console)
	}
	if err != nil {
		log.Fatal(err)
	}
}
