package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/databot-io/databot-go/resolver"
)

// addressCmd represents the address command
var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Resolve and cache the pod's address",
	Long: `Resolve the address of the nearest databot pod and print it.

The first resolution scans the vicinity and caches the winning address.
Later invocations answer from the cache without touching the radio;
pass --force to rescan, or --clear to drop the cache.`,
	RunE: runAddress,
}

var (
	addressForce   bool
	addressClear   bool
	addressTimeout time.Duration
	addressCache   string
)

func init() {
	addressCmd.Flags().BoolVar(&addressForce, "force", false, "Ignore the cache and rescan")
	addressCmd.Flags().BoolVar(&addressClear, "clear", false, "Remove the cached address and exit")
	addressCmd.Flags().DurationVarP(&addressTimeout, "timeout", "t", resolver.DefaultTimeout, "Scan timeout")
	addressCmd.Flags().StringVar(&addressCache, "cache", "", "Cache file path (default ~/.databot/address)")
}

func runAddress(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	r := resolver.New(logger)
	if addressTimeout > 0 {
		r.Timeout = addressTimeout
	}
	if addressCache != "" {
		r.CachePath = addressCache
	}

	if addressClear {
		if err := os.Remove(r.CachePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear cached address: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Cached address cleared")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	address, err := r.Resolve(ctx, addressForce)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), address)
	return nil
}
