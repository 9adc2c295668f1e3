package offlineagent

import (
	"context"
	"fmt"
	"net/http"

	"github.com/always-cache/offline-agent/cache"

	"golang.org/x/sync/errgroup"
)

// InstallReport describes the outcome of an installation.
type InstallReport struct {
	// All assets were stored with a single bulk write.
	Bulk bool
	// Normalized URLs of the stored and failed assets.
	Stored []string
	Failed []string
}

// Install precaches the shell assets into the current app shell store.
// All assets are first fetched concurrently and stored at once. If any of them fails,
// the assets are fetched and stored one by one instead, skipping the failing ones.
// Only a failure to open the store fails the installation.
// A successful installation makes the agent ready to activate right away.
func (a *Agent) Install(ctx context.Context) (InstallReport, error) {
	report := InstallReport{}
	name := a.appShell.Name()
	store, err := a.storage.Open(ctx, name)
	if err != nil {
		return report, fmt.Errorf("open %s: %w", name, err)
	}

	assets := a.normalizedShellAssets()
	a.log.Info().Str("store", name).Int("assets", len(assets)).Msg("Installing app shell")

	if err := a.installBulk(ctx, store, assets); err == nil {
		report.Bulk = true
		report.Stored = assets
		InstalledAssets.WithLabelValues("bulk").Add(float64(len(assets)))
	} else {
		a.log.Warn().Err(err).Msg("Bulk install failed, caching assets one by one")
		for _, asset := range assets {
			if err := a.installOne(ctx, store, asset); err != nil {
				a.log.Warn().Err(err).Str("url", asset).Msg("Could not cache app shell asset")
				report.Failed = append(report.Failed, asset)
				InstalledAssets.WithLabelValues("failed").Inc()
				continue
			}
			report.Stored = append(report.Stored, asset)
			InstalledAssets.WithLabelValues("stored").Inc()
		}
	}

	// skip waiting
	a.state.CompareAndSwap(stateNew, stateInstalled)
	a.log.Info().
		Bool("bulk", report.Bulk).
		Int("stored", len(report.Stored)).
		Int("failed", len(report.Failed)).
		Msg("App shell installed")
	return report, nil
}

// normalizedShellAssets returns the absolute shell asset URLs, without duplicates.
func (a *Agent) normalizedShellAssets() []string {
	seen := make(map[string]struct{}, len(a.shellAssets))
	assets := make([]string, 0, len(a.shellAssets))
	for _, asset := range a.shellAssets {
		normalized := a.keyer.Normalize(asset)
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		assets = append(assets, normalized)
	}
	return assets
}

// installBulk fetches all assets concurrently and stores them with one write.
// Nothing is stored unless every asset was fetched with a successful status.
func (a *Agent) installBulk(ctx context.Context, store cache.Store, assets []string) error {
	entries := make([]cache.Entry, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range assets {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, asset, nil)
			if err != nil {
				return fmt.Errorf("request %s: %w", asset, err)
			}
			res, err := a.fetch(req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", asset, err)
			}
			if !isOK(res) {
				res.Body.Close()
				return fmt.Errorf("fetch %s: status %d", asset, res.StatusCode)
			}
			entry, err := cache.NewEntry(asset, res)
			if err != nil {
				return fmt.Errorf("capture %s: %w", asset, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return store.PutAll(ctx, entries)
}

// installOne fetches a single asset without credentials and stores whatever response is obtained.
func (a *Agent) installOne(ctx context.Context, store cache.Store, asset string) error {
	req, err := a.restrictedRequest(ctx, asset)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	res, err := a.fetch(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	entry, err := cache.NewEntry(asset, res)
	if err != nil {
		return err
	}
	return store.Put(ctx, entry)
}
