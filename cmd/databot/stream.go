package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/databot-io/databot-go/collector"
	"github.com/databot-io/databot-go/protocol"
)

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream sensor readings from a pod",
	Long: `Connect to a databot pod, configure the selected sensors, and stream
readings until interrupted.

Readings go to the console by default, or to a JSON-lines file with
--output. Configuration layers, lowest to highest precedence: built-in
defaults, the --config YAML file, then flags.

Examples:
  # Stream pressure and humidity at the default rate
  databot stream --sensors pressure,humidity

  # Capture 100 gyroscope records to a file
  databot stream --sensors gyroscope --refresh 50ms --output gyro.jsonl --records 100

  # Everything from a config file, for 30 seconds
  databot stream --config databot.yaml --duration 30s`,
	RunE: runStream,
}

var (
	streamAddress  string
	streamConfig   string
	streamSensors  []string
	streamRefresh  time.Duration
	streamOutput   string
	streamRecords  int
	streamDuration time.Duration
	streamNoColor  bool
)

func init() {
	streamCmd.Flags().StringVarP(&streamAddress, "address", "a", "", "Pod address (resolved automatically if omitted)")
	streamCmd.Flags().StringVarP(&streamConfig, "config", "c", "", "YAML configuration file")
	streamCmd.Flags().StringSliceVarP(&streamSensors, "sensors", "s", nil, "Sensors to enable (see 'databot sensors')")
	streamCmd.Flags().DurationVarP(&streamRefresh, "refresh", "r", 0, "Refresh interval between readings")
	streamCmd.Flags().StringVarP(&streamOutput, "output", "o", "", "Write records to a JSON-lines file instead of the console")
	streamCmd.Flags().IntVarP(&streamRecords, "records", "n", 0, "Stop after this many records (0 for unlimited)")
	streamCmd.Flags().DurationVarP(&streamDuration, "duration", "d", 0, "Stop after this long (0 for until Ctrl+C)")
	streamCmd.Flags().BoolVar(&streamNoColor, "no-color", false, "Disable colored output")
}

// buildStreamConfig layers the YAML file and flags over built-in defaults.
func buildStreamConfig() (*collector.Config, error) {
	var cfg *collector.Config
	var err error
	if streamConfig != "" {
		cfg, err = collector.LoadConfig(streamConfig)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = collector.NewConfig()
	}

	if len(streamSensors) > 0 {
		// An explicit sensor list replaces the file's selection outright.
		for _, key := range protocol.SensorKeys() {
			if err := cfg.SetSensor(key, false); err != nil {
				return nil, err
			}
		}
		for _, key := range streamSensors {
			if err := cfg.SetSensor(strings.TrimSpace(key), true); err != nil {
				return nil, err
			}
		}
	}
	if streamRefresh > 0 {
		cfg.Refresh = streamRefresh
	}
	if streamAddress != "" {
		cfg.Address = streamAddress
	}
	return cfg, nil
}

func runStream(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cfg, err := buildStreamConfig()
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	// Reject a bad config before the output file is touched; opening the
	// file consumer truncates whatever is already at --output.
	if err := cfg.Validate(); err != nil {
		return err
	}

	var consumer collector.Consumer
	var file *collector.FileConsumer
	if streamOutput != "" {
		file, err = collector.NewFileConsumer(streamOutput, streamRecords, logger)
		if err != nil {
			return err
		}
		consumer = file
	} else {
		consumer = newConsoleConsumer(cmd.OutOrStdout(), streamRecords, streamNoColor)
	}

	bot, err := collector.New(cfg, consumer, collector.WithLogger(logger))
	if err != nil {
		if file != nil {
			_ = file.Close()
		}
		return err
	}

	ctx := context.Background()
	if streamDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, streamDuration)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(cmd.OutOrStdout(), "\nCtrl+C pressed, stopping stream...")
		cancel()
	}()

	err = bot.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil // user-initiated stop is a normal exit
	}

	if file != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d records to %s\n", file.Records(), file.Path())
	}
	return err
}

// consoleConsumer prints one line per frame, fields in wire order.
type consoleConsumer struct {
	w       io.Writer
	max     int
	records int
	stamp   *color.Color
	key     *color.Color
}

func newConsoleConsumer(w io.Writer, maxRecords int, noColor bool) *consoleConsumer {
	stamp := color.New(color.Faint)
	key := color.New(color.FgGreen)
	if noColor {
		stamp.DisableColor()
		key.DisableColor()
	}
	return &consoleConsumer{w: w, max: maxRecords, stamp: stamp, key: key}
}

func (c *consoleConsumer) OnFrame(frame *protocol.Frame) (collector.Action, error) {
	at := time.Unix(0, int64(frame.Epoch*float64(time.Second)))
	var line strings.Builder
	line.WriteString(c.stamp.Sprint(at.Format("15:04:05.000")))
	for pair := frame.Fields.Oldest(); pair != nil; pair = pair.Next() {
		fmt.Fprintf(&line, "  %s=%.3f", c.key.Sprint(pair.Key), pair.Value)
	}
	if _, err := fmt.Fprintln(c.w, line.String()); err != nil {
		return collector.Stop, err
	}

	c.records++
	if c.max > 0 && c.records >= c.max {
		return collector.Stop, nil
	}
	return collector.Continue, nil
}
