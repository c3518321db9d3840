package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roffe/golin"
	"github.com/spf13/cobra"
)

const flagWait = "wait"

func init() {
	sendCmd.Flags().DurationP(flagWait, "w", 500*time.Millisecond, "how long to collect responses")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <id> [hexdata]",
	Short: "send a header, or a frame when data is given, and print what follows",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseFrameID(args[0])
		if err != nil {
			return err
		}
		var data []byte
		if len(args) == 2 {
			if data, err = hex.DecodeString(strings.ReplaceAll(args[1], " ", "")); err != nil {
				return fmt.Errorf("invalid data: %w", err)
			}
		}
		f, err := golin.NewFrame(id, data, golin.OptDirection(golin.Tx))
		if err != nil {
			return err
		}
		wait, _ := cmd.Flags().GetDuration(flagWait)

		c, err := openCollector(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		if len(data) > 0 && cfg.Adapter != "Virtual" && !yesNo(fmt.Sprintf("Transmit %s on %s", f.String(), c.Bus().Name())) {
			return errors.New("aborted")
		}
		if err := c.StartCollecting(); err != nil {
			return err
		}
		if err := c.Bus().Send(f, time.Second); err != nil {
			c.StopCollecting()
			return err
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
		frames, err := c.StopAndGetMessages()
		for _, f := range frames {
			if f.ID() == id {
				fmt.Println(f.ColorString())
			}
		}
		if err != nil {
			return err
		}
		if len(frames) == 0 {
			return errors.New("no frames received")
		}
		return nil
	},
}

// parseFrameID parses a hex frame id, with or without 0x prefix
func parseFrameID(s string) (uint8, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	id, err := strconv.ParseUint(s, 16, 8)
	if err != nil || id > golin.MaxID {
		return 0, fmt.Errorf("invalid frame id %q", s)
	}
	return uint8(id), nil
}
