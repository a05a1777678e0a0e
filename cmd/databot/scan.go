package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/databot-io/databot-go/resolver"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby databot pods",
	Long: `Scan for databot sensor pods in the vicinity.

Pods are recognized by their advertised name or by the databot streaming
service UUID. Results are sorted by signal strength, strongest first.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanPrefix   string
	scanNoColor  bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", resolver.DefaultTimeout, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVar(&scanPrefix, "name-prefix", "", "Match pods by a different advertised name prefix")
	scanCmd.Flags().BoolVar(&scanNoColor, "no-color", false, "Disable colored output")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	r := resolver.New(logger)
	if scanDuration > 0 {
		r.Timeout = scanDuration
	}
	if scanPrefix != "" {
		r.NamePrefix = scanPrefix
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	progress := newProgressPrinter(cmd.OutOrStdout(), "Scanning for databot pods", r.Timeout)
	progress.Start()
	devices, err := r.Discover(ctx)
	progress.Stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return displayDevices(os.Stdout, devices, scanFormat, scanNoColor)
}

func displayDevices(w io.Writer, devices []resolver.DeviceInfo, format string, noColor bool) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(devices)
	}

	if len(devices) == 0 {
		fmt.Fprintln(w, "No databot pods discovered")
		return nil
	}

	name := color.New(color.FgCyan, color.Bold)
	if noColor {
		name.DisableColor()
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI")
	fmt.Fprintln(tw, strings.Repeat("-", 48))
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\n", name.Sprint(d.Name), d.Address, d.RSSI)
	}
	return tw.Flush()
}
