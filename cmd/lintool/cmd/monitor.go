package cmd

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jroimartin/gocui"
	"github.com/roffe/golin"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(monitorCmd)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Monitor the LIN bus for frames",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m := &monitor{}

		g, err := gocui.NewGui(gocui.OutputNormal)
		if err != nil {
			return err
		}
		g.Cursor = true
		defer g.Close()
		m.g = g

		c, err := openCollector(ctx,
			golin.OptListener(golin.NewCallback(m.onFrame)),
			golin.OptCollectorEvents(m.onEvent),
		)
		if err != nil {
			return err
		}
		defer c.Close()

		g.SetManagerFunc(m.layout)
		if err := m.keybindings(g); err != nil {
			return err
		}
		if err := c.StartCollecting(); err != nil {
			return err
		}

		go func() {
			t := time.NewTicker(500 * time.Millisecond)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					g.Update(func(*gocui.Gui) error { return gocui.ErrQuit })
					return
				case <-t.C:
					st := drainStats(c)
					g.Update(func(g *gocui.Gui) error { return m.updateInfo(g, st) })
				}
			}
		}()

		if err := g.MainLoop(); err != nil && err != gocui.ErrQuit {
			return err
		}
		return c.StopCollecting()
	},
}

// drainStats discards the frames buffered by the collector, the TUI shows
// them through its callback, and returns the session statistics.
func drainStats(c *golin.Collector) golin.Stats {
	c.Messages()
	return c.Statistics()
}

// maxLines caps the packet view before new frames are only counted
const maxLines = 50000

type monitor struct {
	g       *gocui.Gui
	lines   atomic.Int64
	shown   atomic.Uint64
	mu      sync.Mutex
	filters map[uint8]bool
}

func (m *monitor) inFilters(id uint8) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filters) == 0 || m.filters[id]
}

func (m *monitor) onFrame(f golin.Frame) {
	if !m.inFilters(f.ID()) || m.lines.Load() > maxLines {
		return
	}
	m.shown.Add(1)
	m.g.Update(func(g *gocui.Gui) error {
		packets, err := g.View("packets")
		if err != nil {
			return err
		}
		fmt.Fprintf(packets, " %s || %s\n", time.Now().Format("15:04:05.00000"), f.String())
		m.lines.Add(1)
		return nil
	})
}

func (m *monitor) onEvent(evt golin.Event) {
	if evt.Type != golin.EventTypeError && evt.Type != golin.EventTypeWarning {
		return
	}
	m.g.Update(func(g *gocui.Gui) error {
		return m.printError(g, evt.String())
	})
}

func (m *monitor) printError(g *gocui.Gui, msg string) error {
	v, err := g.View("errors")
	if err != nil {
		return err
	}
	fmt.Fprintln(v, msg)
	return nil
}

func (m *monitor) updateInfo(g *gocui.Gui, st golin.Stats) error {
	info, err := g.View("info")
	if err != nil {
		return err
	}
	info.Clear()
	fmt.Fprintf(info, "frames: %d\n", st.Total)
	fmt.Fprintf(info, "shown: %d\n", m.shown.Load())
	fmt.Fprintf(info, "rate: %.1f/s\n", st.Rate)
	fmt.Fprintf(info, "queued: %d\n", st.QueueSize)
	fmt.Fprintf(info, "elapsed: %s\n", st.Elapsed.Round(time.Second))
	m.mu.Lock()
	if len(m.filters) > 0 {
		fmt.Fprintf(info, "filters: %d\n", len(m.filters))
	}
	m.mu.Unlock()
	return nil
}

func (m *monitor) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()

	if v, err := g.SetView("info", 0, 0, 25, 9); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Info"
	}

	if v, err := g.SetView("filter", 0, 10, 25, 12); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Filter"
		v.Editable = true
	}

	if v, err := g.SetView("help", 0, maxY-21, 25, maxY-11); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Wrap = true
		v.Title = "Help"
		fmt.Fprintln(v, "<Q, Ctrl-C> Quit")
		fmt.Fprintln(v, "<Space> Autoscroll")
		fmt.Fprintln(v, "<Ctrl-F> Set filter")
		fmt.Fprintln(v, "<C> Clear")
	}

	if v, err := g.SetView("errors", 0, maxY-10, 25, maxY-1); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Autoscroll = true
		v.Wrap = true
		v.Title = "Errors"
	}

	if v, err := g.SetView("packets", 26, 0, maxX-1, maxY-1); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.SelFgColor = gocui.ColorCyan
		v.Autoscroll = true
		v.Highlight = true
		v.Title = "Frame view"
		if _, err := g.SetCurrentView("packets"); err != nil {
			return err
		}
	}
	return nil
}

// parseFilter parses a comma separated list of hex frame ids
func parseFilter(s string) (map[uint8]bool, error) {
	filters := make(map[uint8]bool)
	for _, p := range strings.Split(s, ",") {
		if strings.TrimSpace(p) == "" {
			continue
		}
		id, err := parseFrameID(p)
		if err != nil {
			return nil, err
		}
		filters[id] = true
	}
	return filters, nil
}

func (m *monitor) setFilter(g *gocui.Gui, v *gocui.View) error {
	filters, err := parseFilter(strings.TrimRight(v.Buffer(), "\n"))
	if err != nil {
		if perr := m.printError(g, err.Error()); perr != nil {
			return perr
		}
	} else {
		m.mu.Lock()
		m.filters = filters
		m.mu.Unlock()
	}
	_, err = g.SetCurrentView("packets")
	return err
}

func quit(g *gocui.Gui, v *gocui.View) error {
	return gocui.ErrQuit
}

func (m *monitor) keybindings(g *gocui.Gui) error {
	bindings := []struct {
		view    string
		key     interface{}
		handler func(*gocui.Gui, *gocui.View) error
	}{
		{"", gocui.KeyCtrlC, quit},
		{"packets", 'q', quit},
		{"packets", gocui.KeyCtrlF, func(g *gocui.Gui, v *gocui.View) error {
			_, err := g.SetCurrentView("filter")
			return err
		}},
		{"filter", gocui.KeyEnter, m.setFilter},
		{"packets", 'c', func(g *gocui.Gui, v *gocui.View) error {
			m.lines.Store(0)
			v.Autoscroll = true
			v.Clear()
			return v.SetOrigin(0, 0)
		}},
		{"packets", gocui.KeySpace, func(g *gocui.Gui, v *gocui.View) error {
			v.Autoscroll = !v.Autoscroll
			return nil
		}},
		{"packets", gocui.KeyArrowUp, func(g *gocui.Gui, v *gocui.View) error {
			v.MoveCursor(0, -1, false)
			return nil
		}},
		{"packets", gocui.KeyArrowDown, func(g *gocui.Gui, v *gocui.View) error {
			v.MoveCursor(0, 1, false)
			return nil
		}},
		{"packets", gocui.KeyPgup, func(g *gocui.Gui, v *gocui.View) error {
			v.MoveCursor(0, -10, false)
			return nil
		}},
		{"packets", gocui.KeyPgdn, func(g *gocui.Gui, v *gocui.View) error {
			v.MoveCursor(0, 10, false)
			return nil
		}},
	}
	for _, b := range bindings {
		if err := g.SetKeybinding(b.view, b.key, gocui.ModNone, b.handler); err != nil {
			return err
		}
	}
	return nil
}
