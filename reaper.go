package offlineagent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Activate deletes the stale generations of both store families and claims control:
// from now on the agent intercepts requests.
// Stores of other families are left alone. Failed deletions are logged and do not prevent the claim.
func (a *Agent) Activate(ctx context.Context) error {
	if a.state.Load() == stateNew {
		return ErrNotInstalled
	}

	names, err := a.storage.Names(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("Could not list stores")
	}

	var g errgroup.Group
	for _, name := range names {
		if !a.appShell.IsStale(name) && !a.dynamic.IsStale(name) {
			a.log.Trace().Str("store", name).Msg("Keeping store")
			continue
		}
		g.Go(func() error {
			deleted, err := a.storage.Delete(ctx, name)
			if err != nil {
				a.log.Warn().Err(err).Str("store", name).Msg("Could not delete stale store")
				return err
			}
			if deleted {
				ReapedStores.Inc()
				a.log.Info().Str("store", name).Msg("Deleted stale store")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.log.Warn().Err(err).Msg("Stale stores remain")
	}

	// claim
	a.state.Store(stateActive)
	a.log.Info().
		Str("appShell", a.appShell.Name()).
		Str("dynamic", a.dynamic.Name()).
		Msg("Agent activated")
	return nil
}
