package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/roffe/golin"
	"github.com/roffe/golin/pkg/recorder"
	"github.com/spf13/cobra"
)

const (
	flagList    = "list"
	flagSession = "session"
	flagSpeed   = "speed"
)

func init() {
	f := replayCmd.Flags()
	f.BoolP(flagList, "l", false, "list recorded sessions")
	f.StringP(flagSession, "s", "", "session to play, default is the latest")
	f.Float64(flagSpeed, 1, "playback speed, 0 = as fast as possible")
	rootCmd.AddCommand(replayCmd)
}

var replayCmd = &cobra.Command{
	Use:   "replay <database>",
	Short: "play back a recording",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := cfg.RecordPath
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return errors.New("no recording given")
		}

		sessions, err := recorder.Sessions(path)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			return fmt.Errorf("%s has no recordings", path)
		}
		if list, _ := cmd.Flags().GetBool(flagList); list {
			for _, s := range sessions {
				fmt.Printf("%s %-20s %s %6d frames %s\n",
					color.GreenString(s.ID),
					s.Name,
					s.Started.Format(time.DateTime),
					s.Frames,
					s.Stopped.Sub(s.Started).Round(time.Millisecond),
				)
			}
			return nil
		}

		session, _ := cmd.Flags().GetString(flagSession)
		if session == "" {
			session = sessions[len(sessions)-1].ID
		}
		speed, _ := cmd.Flags().GetFloat64(flagSpeed)
		if speed < 0 {
			return fmt.Errorf("invalid replay speed %v", speed)
		}
		frames, err := recorder.Load(path, session)
		if err != nil {
			return err
		}

		replay := recorder.NewReplay(frames, speed)
		c := golin.NewCollector(
			golin.OptCollectorReceiveTimeout(cfg.ReceiveTimeout),
			golin.OptStopTimeout(cfg.StopTimeout),
			golin.OptPrinter(os.Stdout, golin.Frame.ColorString),
		)
		defer c.Close()
		if err := c.SetBus(replay); err != nil {
			return err
		}
		if err := c.StartCollecting(); err != nil {
			return err
		}

		select {
		case <-replay.Done():
		case <-ctx.Done():
		}
		if _, err := c.StopAndGetMessages(); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, c.Statistics().String())
		return nil
	},
}
