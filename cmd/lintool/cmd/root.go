package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/roffe/golin"
	"github.com/roffe/golin/pkg/config"
	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

var rootCmd = &cobra.Command{
	Use:               "lintool",
	Short:             "LIN bus collector and monitor",
	Long:              `Collect, record, replay and monitor LIN frames from serial or simulated interfaces`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

const (
	flagConfig         = "config"
	flagPort           = "port"
	flagBaudrate       = "baudrate"
	flagDebug          = "debug"
	flagAdapter        = "adapter"
	flagChannel        = "channel"
	flagChannelIndex   = "channel-index"
	flagSet            = "set"
	flagReceiveTimeout = "receive-timeout"
	flagStopTimeout    = "stop-timeout"
)

// cfg is the effective configuration, loaded before any command runs
var cfg = config.Default()

func init() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	pf := rootCmd.PersistentFlags()
	pf.String(flagConfig, "", "config file (yaml)")
	pf.StringP(flagPort, "p", "", "com-port, * = select from available")
	pf.IntP(flagBaudrate, "b", 115200, "baudrate")
	pf.BoolP(flagDebug, "d", false, "debug mode")
	pf.StringP(flagAdapter, "a", "Virtual", "what adapter to use, * = select from available")
	pf.Int(flagChannel, 0, "LIN channel")
	pf.Int(flagChannelIndex, 0, "LIN channel index")
	pf.StringToString(flagSet, nil, "adapter specific settings, key=value")
	pf.Duration(flagReceiveTimeout, golin.DefaultReceiveTimeout, "receive timeout per poll")
	pf.Duration(flagStopTimeout, cfg.StopTimeout, "how long to wait for delivery to stop")
}

// setup loads the config file, applies environment overrides and then any
// flag given on the command line.
func setup(cmd *cobra.Command, _ []string) error {
	pf := cmd.Flags()
	path, _ := pf.GetString(flagConfig)
	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	cfg = loaded

	if pf.Changed(flagAdapter) {
		cfg.Adapter, _ = pf.GetString(flagAdapter)
	}
	if pf.Changed(flagPort) {
		cfg.Port, _ = pf.GetString(flagPort)
	}
	if pf.Changed(flagBaudrate) {
		cfg.Baudrate, _ = pf.GetInt(flagBaudrate)
	}
	if pf.Changed(flagDebug) {
		cfg.Debug, _ = pf.GetBool(flagDebug)
	}
	if pf.Changed(flagChannel) {
		cfg.Channel, _ = pf.GetInt(flagChannel)
	}
	if pf.Changed(flagChannelIndex) {
		cfg.ChannelIndex, _ = pf.GetInt(flagChannelIndex)
	}
	if pf.Changed(flagReceiveTimeout) {
		cfg.ReceiveTimeout, _ = pf.GetDuration(flagReceiveTimeout)
	}
	if pf.Changed(flagStopTimeout) {
		cfg.StopTimeout, _ = pf.GetDuration(flagStopTimeout)
	}
	if pf.Changed(flagSet) {
		set, _ := pf.GetStringToString(flagSet)
		if cfg.Additional == nil {
			cfg.Additional = make(map[string]string)
		}
		for k, v := range set {
			cfg.Additional[k] = v
		}
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg.Validate()
}

// openCollector resolves adapter and port, interactively when asked to, and
// registers the bus with a new collector.
func openCollector(ctx context.Context, opts ...golin.CollectorOpt) (*golin.Collector, error) {
	if cfg.Adapter == "*" {
		name, err := selectAdapter()
		if err != nil {
			return nil, err
		}
		cfg.Adapter = name
	}
	if cfg.Port == "*" {
		port, err := selectPort()
		if err != nil {
			return nil, err
		}
		cfg.Port = port
	}

	opts = append([]golin.CollectorOpt{
		golin.OptCollectorLogger(slog.Default()),
		golin.OptCollectorReceiveTimeout(cfg.ReceiveTimeout),
		golin.OptStopTimeout(cfg.StopTimeout),
	}, opts...)
	c := golin.NewCollector(opts...)
	if err := c.RegisterBus(ctx, cfg.Adapter, cfg.BusConfig(slog.Default())); err != nil {
		if errors.Is(err, golin.ErrUnknownAdapter) {
			return nil, fmt.Errorf("%w, available: %s", err, strings.Join(golin.ListAdapterNames(), ", "))
		}
		return nil, err
	}
	return c, nil
}

func selectAdapter() (string, error) {
	prompt := promptui.Select{
		Label: "Select adapter",
		Items: golin.ListAdapterNames(),
	}
	_, result, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("prompt failed: %w", err)
	}
	return result, nil
}

func selectPort() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", errors.New("no serial ports found")
	}
	var items []string
	for _, p := range ports {
		items = append(items, p.Name)
	}
	prompt := promptui.Select{
		Label: "Select port",
		Items: items,
	}
	_, result, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("prompt failed: %w", err)
	}
	return result, nil
}

func yesNo(label string) bool {
	prompt := promptui.Select{
		Label:    label + " [Yes/No]",
		HideHelp: true,
		Items:    []string{"Yes", "No"},
	}
	_, result, err := prompt.Run()
	if err != nil {
		return false
	}
	return result == "Yes"
}
