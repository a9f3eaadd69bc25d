package session

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/joshp123/melsync/internal/melcloud"
)

const (
	DefaultListingInterval = 59 * time.Second
	DefaultAccountInterval = 5 * time.Minute
)

type resource string

const (
	resourceListing resource = "listing"
	resourceAccount resource = "account"
)

// Fetcher is the part of the transport the cache needs.
type Fetcher interface {
	FetchAccount(ctx context.Context) (melcloud.Account, error)
	FetchListing(ctx context.Context) ([]melcloud.ListingEntry, error)
}

// Clock is the time source for interval math.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Option func(*Cache)

func WithClock(clock Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithListingInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.listingInterval = d
		}
	}
}

func WithAccountInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.accountInterval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Cache holds the account record and the flattened device listing of one
// login session. Every device handle of the session shares one Cache so the
// listing and account endpoints are hit at most once per interval no matter
// how many devices poll.
type Cache struct {
	fetcher         Fetcher
	clock           Clock
	listingInterval time.Duration
	accountInterval time.Duration
	logger          *slog.Logger
	flights         singleflight.Group

	mu               sync.RWMutex
	account          melcloud.Account
	devices          []melcloud.DeviceConf
	lastAccountFetch time.Time
	lastListingFetch time.Time
}

func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:         fetcher,
		clock:           systemClock{},
		listingInterval: DefaultListingInterval,
		accountInterval: DefaultAccountInterval,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh brings the listing and the account up to date. Each resource is
// fetched only if it was never fetched or its interval has elapsed; the two
// are evaluated and fetched independently. Concurrent callers hitting the
// same stale window share a single fetch. On failure the previous values are
// kept and the next Refresh retries regardless of the interval.
func (c *Cache) Refresh(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return c.refresh(ctx, resourceListing) })
	g.Go(func() error { return c.refresh(ctx, resourceAccount) })
	return g.Wait()
}

func (c *Cache) refresh(ctx context.Context, r resource) error {
	if !c.stale(r, c.clock.Now()) {
		freshTotal.WithLabelValues(string(r)).Inc()
		return nil
	}

	// The flight outlives a cancelled caller so the other waiters still get
	// a result; the transport timeout bounds it.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(string(r), func() (any, error) {
		return nil, c.fetch(flightCtx, r)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) fetch(ctx context.Context, r resource) error {
	now := c.clock.Now()
	// A flight that finished just before this one started may have made the
	// resource fresh already.
	if !c.stale(r, now) {
		freshTotal.WithLabelValues(string(r)).Inc()
		return nil
	}

	switch r {
	case resourceListing:
		entries, err := c.fetcher.FetchListing(ctx)
		if err != nil {
			fetchTotal.WithLabelValues(string(r), "error").Inc()
			return fmt.Errorf("refresh device listing: %w", err)
		}
		devices := Flatten(entries)

		c.mu.Lock()
		c.devices = devices
		c.lastListingFetch = now
		c.mu.Unlock()

		c.logger.Debug("device listing refreshed", "devices", len(devices))
	case resourceAccount:
		account, err := c.fetcher.FetchAccount(ctx)
		if err != nil {
			fetchTotal.WithLabelValues(string(r), "error").Inc()
			return fmt.Errorf("refresh account: %w", err)
		}

		c.mu.Lock()
		c.account = account
		c.lastAccountFetch = now
		c.mu.Unlock()

		c.logger.Debug("account refreshed")
	default:
		return fmt.Errorf("unknown cache resource %q", r)
	}

	fetchTotal.WithLabelValues(string(r), "ok").Inc()
	lastFetchGauge.WithLabelValues(string(r)).Set(float64(now.Unix()))
	return nil
}

func (c *Cache) stale(r resource, now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var last time.Time
	var interval time.Duration
	switch r {
	case resourceListing:
		last, interval = c.lastListingFetch, c.listingInterval
	case resourceAccount:
		last, interval = c.lastAccountFetch, c.accountInterval
	}
	return last.IsZero() || now.Sub(last) > interval
}

// Devices returns a copy of the flattened listing.
func (c *Cache) Devices() []melcloud.DeviceConf {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.devices)
}

// Lookup finds a device by id and building.
func (c *Cache) Lookup(deviceID, buildingID int) (melcloud.DeviceConf, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, conf := range c.devices {
		if conf.DeviceID == deviceID && conf.BuildingID == buildingID {
			return conf, true
		}
	}
	return melcloud.DeviceConf{}, false
}

// Account returns a copy of the account record, false before the first
// successful fetch.
func (c *Cache) Account() (melcloud.Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.account == nil {
		return nil, false
	}
	return maps.Clone(c.account), true
}

func (c *Cache) UseFahrenheit() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account.UseFahrenheit()
}
