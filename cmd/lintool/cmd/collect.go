package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/roffe/golin"
	"github.com/roffe/golin/pkg/bar"
	"github.com/roffe/golin/pkg/mqttpub"
	"github.com/roffe/golin/pkg/recorder"
	"github.com/spf13/cobra"
)

const (
	flagDuration = "duration"
	flagRecord   = "record"
	flagMQTT     = "mqtt"
	flagPrint    = "print"
	flagName     = "name"
)

func init() {
	f := collectCmd.Flags()
	f.DurationP(flagDuration, "t", 5*time.Second, "how long to collect")
	f.String(flagRecord, "", "record frames to this database")
	f.String(flagName, "", "name of the recorded session")
	f.String(flagMQTT, "", "publish frames to this mqtt broker")
	f.Bool(flagPrint, false, "print frames while collecting")
	rootCmd.AddCommand(collectCmd)
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "collect LIN frames for a while and print statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, _ := cmd.Flags().GetDuration(flagDuration)
		if d <= 0 {
			return fmt.Errorf("duration must be positive, got %s", d)
		}

		opts, cleanup, err := collectListeners(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		c, err := openCollector(ctx, opts...)
		if err != nil {
			return err
		}
		defer c.Close()

		printing, _ := cmd.Flags().GetBool(flagPrint)
		if !printing {
			go progress(ctx, d)
		}

		frames, err := c.CollectForDuration(ctx, d)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Fprintln(os.Stderr)
		printSummary(c.Statistics(), frames)
		return c.Err()
	},
}

// collectListeners builds the optional listeners asked for on the command line.
func collectListeners(cmd *cobra.Command) ([]golin.CollectorOpt, func(), error) {
	var opts []golin.CollectorOpt
	var closers []func()
	cleanup := func() {
		for _, fn := range closers {
			fn()
		}
	}

	if printing, _ := cmd.Flags().GetBool(flagPrint); printing {
		opts = append(opts, golin.OptPrinter(os.Stdout, golin.Frame.ColorString))
	}

	path, _ := cmd.Flags().GetString(flagRecord)
	if path == "" {
		path = cfg.RecordPath
	}
	if path != "" {
		name, _ := cmd.Flags().GetString(flagName)
		rec, err := recorder.Open(path, recorder.OptLogger(slog.Default()), recorder.OptSessionName(name))
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() {
			if err := rec.Close(); err != nil {
				slog.Error("close recorder", "error", err)
			}
		})
		opts = append(opts, golin.OptListener(rec))
	}

	broker, _ := cmd.Flags().GetString(flagMQTT)
	if broker == "" {
		broker = cfg.MQTT.Broker
	}
	if broker != "" {
		pub, err := mqttpub.Connect(mqttpub.Config{
			Broker: broker,
			Prefix: cfg.MQTT.Prefix,
			QoS:    cfg.MQTT.QoS,
			Logger: slog.Default(),
		})
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, func() {
			pub.Stop()
			st := pub.Stats()
			slog.Info("mqtt", "published", st.Published, "errors", st.Errors)
		})
		opts = append(opts, golin.OptListener(pub))
	}
	return opts, cleanup, nil
}

func progress(ctx context.Context, d time.Duration) {
	b := bar.Duration(os.Stderr, d, "collecting")
	t := time.NewTicker(bar.Step)
	defer t.Stop()
	for i := int64(0); i < b.GetMax64(); i++ {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.Add(1)
		}
	}
}

func printSummary(st golin.Stats, frames []golin.Frame) {
	fmt.Println(st.String())

	counts := make(map[uint8]int)
	var errs int
	for _, f := range frames {
		if f.IsError() {
			errs++
			continue
		}
		counts[f.ID()]++
	}
	ids := make([]uint8, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	idc := color.New(color.FgCyan).SprintfFunc()
	for _, id := range ids {
		fmt.Printf("  %s %6d\n", idc("%02X", id), counts[id])
	}
	if errs > 0 {
		fmt.Println(color.RedString("  error frames %d", errs))
	}
}
