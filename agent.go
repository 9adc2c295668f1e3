package offlineagent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/always-cache/offline-agent/cache"
	cachekey "github.com/always-cache/offline-agent/pkg/cache-key"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// DefaultDynamicMaxEntries is the default size cap of the dynamic store.
const DefaultDynamicMaxEntries = 50

// ErrNotInstalled is returned when activating an agent that was never installed.
var ErrNotInstalled = errors.New("agent not installed")

type Config struct {
	// Registry of named stores.
	Storage cache.Storage
	// URL of the application origin, i.e. the location of the agent.
	// Relative URLs are resolved against it.
	OriginURL url.URL
	// Path prefix of the requests the agent controls. Defaults to "/".
	Scope string
	// Store families. Defaults to DefaultAppShell and DefaultDynamic.
	AppShell Family
	Dynamic  Family
	// Assets precached on install, absolute or relative to the origin.
	ShellAssets []string
	// URLs or URL prefixes of assets cached on first use.
	DynamicAssets []string
	// Maximum number of entries in the dynamic store. Defaults to DefaultDynamicMaxEntries.
	DynamicMaxEntries int
	// Network used for fetching. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	// Timeout of a single network fetch. No timeout if zero.
	FetchTimeout time.Duration
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// lifecycle states
const (
	stateNew int32 = iota
	stateInstalled
	stateActive
)

// Agent is an offline-first caching HTTP agent for one application origin.
// It is both a http.Handler, for use as a proxy in front of the origin,
// and a http.RoundTripper, for use as the transport of a http.Client.
type Agent struct {
	storage      cache.Storage
	keyer        cachekey.CacheKeyer
	classifier   Classifier
	log          zerolog.Logger
	transport    http.RoundTripper
	fetchTimeout time.Duration
	scope        string
	appShell     Family
	dynamic      Family
	shellAssets  []string
	maxEntries   int
	state        atomic.Int32
}

// CreateAgent initializes the agent with the given config.
// The agent passes all requests to the network until it is registered.
func CreateAgent(config Config) *Agent {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	origin := config.OriginURL
	keyer := cachekey.NewCacheKeyer(&origin)

	a := &Agent{
		storage:      config.Storage,
		keyer:        keyer,
		classifier:   NewClassifier(keyer, config.ShellAssets, config.DynamicAssets, logger),
		log:          logger,
		transport:    config.Transport,
		fetchTimeout: config.FetchTimeout,
		scope:        config.Scope,
		appShell:     config.AppShell,
		dynamic:      config.Dynamic,
		shellAssets:  config.ShellAssets,
		maxEntries:   config.DynamicMaxEntries,
	}
	if a.storage == nil {
		a.storage = cache.NewMemStorage()
	}
	if a.transport == nil {
		a.transport = http.DefaultTransport
	}
	if a.scope == "" {
		a.scope = "/"
	}
	if a.appShell.Prefix == "" {
		a.appShell = DefaultAppShell
	}
	if a.dynamic.Prefix == "" {
		a.dynamic = DefaultDynamic
	}
	if a.maxEntries <= 0 {
		a.maxEntries = DefaultDynamicMaxEntries
	}
	return a
}

// Register installs and activates the agent.
// The outcome is logged; a failed registration is not retried.
func (a *Agent) Register(ctx context.Context) error {
	err := a.register(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("Agent registration failed")
		return err
	}
	a.log.Info().Str("scope", a.scope).Msg("Agent registration successful")
	return nil
}

func (a *Agent) register(ctx context.Context) error {
	if _, err := a.Install(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if err := a.Activate(ctx); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	return nil
}

// Controlling reports whether the agent is activated and intercepts requests.
func (a *Agent) Controlling() bool {
	return a.state.Load() == stateActive
}

// Scope returns the path prefix of the requests the agent controls.
func (a *Agent) Scope() string {
	return a.scope
}

// StoreInfo describes one store of the storage.
type StoreInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

// Stores lists the stores of the storage with their entry counts, in creation order.
func (a *Agent) Stores(ctx context.Context) ([]StoreInfo, error) {
	names, err := a.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	infos := make([]StoreInfo, 0, len(names))
	for _, name := range names {
		store, err := a.storage.Open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("keys of %s: %w", name, err)
		}
		infos = append(infos, StoreInfo{Name: name, Entries: len(keys)})
	}
	return infos, nil
}

// put writes the response to the store under the key.
// The response body is consumed and replaced, so the response can still be sent.
func (a *Agent) put(ctx context.Context, store cache.Store, key string, res *http.Response, log zerolog.Logger) error {
	entry, err := cache.NewEntry(key, res)
	if errors.Is(err, cache.ErrNotCacheable) {
		CacheWrites.WithLabelValues(store.Name(), "skipped").Inc()
		log.Debug().Err(err).Str("key", key).Msg("Not writing to cache")
		return err
	}
	if err == nil {
		err = store.Put(ctx, entry)
	}
	if err != nil {
		CacheWrites.WithLabelValues(store.Name(), "failed").Inc()
		log.Warn().Err(err).Str("store", store.Name()).Str("key", key).Msg("Could not write to cache")
		return err
	}
	CacheWrites.WithLabelValues(store.Name(), "stored").Inc()
	log.Trace().Str("store", store.Name()).Str("key", key).Msg("Wrote to cache")
	return nil
}

// requestLogger returns the logger installed by hlog, or the agent logger.
func (a *Agent) requestLogger(r *http.Request) zerolog.Logger {
	l := hlog.FromRequest(r)
	if l.GetLevel() == zerolog.Disabled {
		return a.log
	}
	return l.With().Str("origin", a.keyer.Base.String()).Logger()
}
