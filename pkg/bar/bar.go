package bar

import (
	"io"
	"time"

	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
)

// Step is the resolution of a Duration bar
const Step = 100 * time.Millisecond

func New(length int, text string) *progressbar.ProgressBar {
	return newBar(ansi.NewAnsiStdout(), length, text)
}

// Duration returns a bar that fills over d, advanced once per Step.
func Duration(w io.Writer, d time.Duration, text string) *progressbar.ProgressBar {
	steps := int(d / Step)
	if steps < 1 {
		steps = 1
	}
	if w == nil {
		w = ansi.NewAnsiStdout()
	}
	return newBar(w, steps, text)
}

func newBar(w io.Writer, length int, text string) *progressbar.ProgressBar {
	return progressbar.NewOptions(
		length,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetDescription(text),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
