package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/roffe/golin"
	"github.com/roffe/golin/adapter"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(adaptersCmd)
}

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "list available adapters",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		name := color.New(color.FgGreen, color.Bold).SprintFunc()
		faint := color.New(color.Faint).SprintFunc()
		for _, a := range golin.ListAdapters() {
			fmt.Printf("%-10s %s", name(a.Name), a.Description)
			if a.RequiresSerialPort {
				fmt.Print(faint(" (serial port)"))
			}
			fmt.Println()
		}

		fmt.Println()
		fmt.Println("Virtual default schedule:", adapter.FormatSchedule(adapter.DefaultSchedule()))
		responses := adapter.DefaultResponses()
		for _, id := range adapter.SortedIDs(responses) {
			fmt.Printf("  %02X: % X\n", id, responses[id])
		}
	},
}
