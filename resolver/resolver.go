// Package resolver discovers the sensor pod's link address and caches it on
// disk so later sessions skip the scan entirely.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/databot-io/databot-go/ble"
	"github.com/databot-io/databot-go/internal/devicefactory"
)

const (
	// DefaultNamePrefix matches the local name the stock firmware advertises.
	DefaultNamePrefix = "databot"

	// DefaultTimeout bounds a discovery scan.
	DefaultTimeout = 10 * time.Second

	cacheDirName  = ".databot"
	cacheFileName = "address"
)

// DiscoveryError reports that no matching device appeared within the scan
// timeout. Fatal to resolution; callers may retry.
type DiscoveryError struct {
	Timeout time.Duration
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("no matching device found within %s", e.Timeout)
}

// DeviceInfo describes one discovered pod.
type DeviceInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
}

// Resolver finds and caches the device address. Matching is by advertised
// name prefix (case-insensitive) or by the advertised streaming service UUID.
type Resolver struct {
	CachePath   string
	NamePrefix  string
	ServiceUUID string
	Timeout     time.Duration

	logger *logrus.Logger
}

// New creates a resolver with stock-firmware defaults.
func New(logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{
		CachePath:   DefaultCachePath(),
		NamePrefix:  DefaultNamePrefix,
		ServiceUUID: ble.DefaultServiceUUID,
		Timeout:     DefaultTimeout,
		logger:      logger,
	}
}

// DefaultCachePath is ~/.databot/address, falling back to the working
// directory when the home directory cannot be determined.
func DefaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(cacheDirName, cacheFileName)
	}
	return filepath.Join(home, cacheDirName, cacheFileName)
}

// Resolve returns the device's link address. With force false a cached
// address is returned without touching the link layer; with force true (or
// no usable cache) a discovery scan runs, the first matching device wins,
// and the cache file is overwritten with the result.
func (r *Resolver) Resolve(ctx context.Context, force bool) (string, error) {
	if !force {
		if addr := r.readCache(); addr != "" {
			r.logger.WithField("address", addr).Debug("Using cached device address")
			return addr, nil
		}
	}

	scanner, err := devicefactory.NewScanner()
	if err != nil {
		return "", fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	r.logger.WithField("timeout", r.Timeout).Info("Scanning for device...")

	scanCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	var mu sync.Mutex
	var found string
	err = scanner.Scan(scanCtx, false, func(adv devicefactory.Advertisement) {
		if !r.matches(adv) {
			return
		}
		mu.Lock()
		if found == "" {
			found = adv.Addr()
			r.logger.WithFields(logrus.Fields{
				"device":  adv.LocalName(),
				"address": found,
				"rssi":    adv.RSSI(),
			}).Info("Found device")
		}
		mu.Unlock()
		cancel() // first match wins
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return "", fmt.Errorf("scan failed: %w", err)
	}

	mu.Lock()
	addr := found
	mu.Unlock()
	if addr == "" {
		return "", &DiscoveryError{Timeout: r.Timeout}
	}

	if err := r.writeCache(addr); err != nil {
		// A stale cache only costs a rescan next time; the address is good.
		r.logger.WithError(err).Warn("Failed to persist device address")
	}
	return addr, nil
}

// Discover scans for the full timeout and returns every matching device,
// strongest signal first.
func (r *Resolver) Discover(ctx context.Context) ([]DeviceInfo, error) {
	scanner, err := devicefactory.NewScanner()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	devices := hashmap.New[string, DeviceInfo]()
	err = scanner.Scan(scanCtx, true, func(adv devicefactory.Advertisement) {
		if !r.matches(adv) {
			return
		}
		devices.Set(adv.Addr(), DeviceInfo{
			Name:    adv.LocalName(),
			Address: adv.Addr(),
			RSSI:    adv.RSSI(),
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	list := make([]DeviceInfo, 0, devices.Len())
	devices.Range(func(_ string, info DeviceInfo) bool {
		list = append(list, info)
		return true
	})
	sort.Slice(list, func(i, j int) bool { return list[i].RSSI > list[j].RSSI })

	r.logger.WithField("device_count", len(list)).Info("Scan completed")
	return list, nil
}

// matches applies the name-prefix and service-advertisement filters.
func (r *Resolver) matches(adv devicefactory.Advertisement) bool {
	if !adv.Connectable() {
		return false
	}
	if r.NamePrefix != "" &&
		strings.HasPrefix(strings.ToLower(adv.LocalName()), strings.ToLower(r.NamePrefix)) {
		return true
	}
	if r.ServiceUUID != "" {
		want := normalizeUUID(r.ServiceUUID)
		for _, svc := range adv.Services() {
			if normalizeUUID(svc) == want {
				return true
			}
		}
	}
	return false
}

func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// readCache returns the cached address, or "" if none is usable.
func (r *Resolver) readCache() string {
	data, err := os.ReadFile(r.CachePath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// writeCache overwrites the cache file with the address. Last writer wins;
// no locking beyond the filesystem's own atomicity for a single write.
func (r *Resolver) writeCache(address string) error {
	if err := os.MkdirAll(filepath.Dir(r.CachePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(r.CachePath, []byte(address+"\n"), 0o600)
}
