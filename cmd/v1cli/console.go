package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/banshee-data/v1link/internal/esp"
	"github.com/banshee-data/v1link/internal/state"
	"github.com/banshee-data/v1link/internal/units"
)

const (
	colorRed     = "\033[91m"
	colorGreen   = "\033[92m"
	colorYellow  = "\033[93m"
	colorBlue    = "\033[94m"
	colorMagenta = "\033[95m"
	colorCyan    = "\033[96m"
	colorGrey    = "\033[90m"
	colorReset   = "\033[0m"
)

// lineWidth pads the status line so a shorter render clears a longer one.
const lineWidth = 100

func colorize(text, color string, active bool) string {
	if !active {
		color = colorGrey
	}
	return color + text + colorReset
}

// indicators is what one status line shows.
type indicators struct {
	counter           string
	laser, ka, k, x   bool
	front, side, rear bool
	leds              int
	priority          string
}

func (in indicators) String() string {
	bands := strings.Join([]string{
		colorize("Laser", colorRed, in.laser),
		colorize("Ka", colorGreen, in.ka),
		colorize("K", colorBlue, in.k),
		colorize("X", colorMagenta, in.x),
	}, " ")
	arrows := strings.Join([]string{
		colorize("Front", colorYellow, in.front),
		colorize("Side", colorCyan, in.side),
		colorize("Rear", colorRed, in.rear),
	}, " ")
	leds := min(max(in.leds, 0), 8)
	bar := strings.Repeat("█", leds) + strings.Repeat(" ", 8-leds)

	line := fmt.Sprintf("[%-4s] | %s | %s | Signal:[%s]", in.counter, bands, arrows, bar)
	if in.priority != "" {
		line += " | " + in.priority
	}
	return line
}

// Console renders a single-line detector status and serializes it with
// command output. The priority alert is the row the detector flagged; a
// table without one shows no priority alert.
type Console struct {
	mu       sync.Mutex
	out      io.Writer
	reasm    *esp.AlertReassembler
	display  *esp.DisplayData
	priority *esp.AlertData
}

func NewConsole(out io.Writer) *Console {
	return &Console{out: out, reasm: esp.NewAlertReassembler()}
}

// HandleFrame is the session frame hook. Display broadcasts redraw the
// line; alert rows are reassembled into tables first.
func (c *Console) HandleFrame(f esp.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch p := esp.Classify(f).(type) {
	case esp.DisplayData:
		c.display = &p
		c.render()
	case esp.AlertPacket:
		table, ok := c.reasm.Add(p.Alert)
		if !ok {
			return
		}
		c.priority = nil
		if pri, found := table.Priority(); found {
			c.priority = &pri
		}
		if c.display != nil {
			c.render()
		}
	}
}

func (c *Console) render() {
	d := c.display
	in := indicators{
		counter: strings.TrimSpace(d.BogeyCounter()),
		laser:   d.Laser(),
		ka:      d.Ka(),
		k:       d.K(),
		x:       d.X(),
		front:   d.Front(),
		side:    d.Side(),
		rear:    d.Rear(),
		leds:    d.SignalLEDs(),
	}
	if a := c.priority; a != nil {
		in.priority = fmt.Sprintf("Pri: %.3f GHz | Str(F/R): %02X/%02X",
			units.MHzToGHz(a.FrequencyMHz), a.FrontStrength, a.RearStrength)
	}
	c.writeLine(in.String())
}

// RenderState draws the line from a published state snapshot, as served by
// a remote v1link.
func (c *Console) RenderState(d state.V1Data) {
	c.mu.Lock()
	defer c.mu.Unlock()

	in := indicators{leds: d.Strength}
	if d.InAlert {
		in.counter = "1"
		in.laser = d.Band == state.BandLaser
		in.ka = d.Band == state.BandKa
		in.k = d.Band == state.BandK
		in.x = d.Band == state.BandX
		in.front = strings.Contains(d.Direction, "F")
		in.side = strings.Contains(d.Direction, "S")
		in.rear = strings.Contains(d.Direction, "R")
		if d.Band != state.BandLaser {
			in.priority = fmt.Sprintf("Pri: %.3f GHz | Str(F/R): %02X/%02X", d.FrequencyGHz, d.FrontStrength, d.RearStrength)
		}
	}
	if !d.Connected {
		in.priority = d.ConnectionStatus
	}
	c.writeLine(in.String())
}

func (c *Console) writeLine(line string) {
	if pad := lineWidth - len(line); pad > 0 {
		line += strings.Repeat(" ", pad)
	}
	fmt.Fprintf(c.out, "\r%s", line)
}

// Printf writes command output on its own line without interleaving with
// a status redraw.
func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "\r"+format+"\n", args...)
}
