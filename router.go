package offlineagent

import (
	"context"
	"net/http"

	"github.com/always-cache/offline-agent/cache"
	serializer "github.com/always-cache/offline-agent/pkg/response-serializer"
	"github.com/always-cache/offline-agent/rfc9211"

	"github.com/rs/zerolog"
)

// CacheName identifies the agent in the Cache-Status header.
const CacheName = "OfflineAgent"

// results for logs and metrics
const (
	resultHit      = "hit"
	resultNetwork  = "network"
	resultFallback = "fallback"
	resultOffline  = "offline"
	resultError    = "error"
)

// ServeHTTP implements the http.Handler interface.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res, err := a.RoundTrip(r)
	if err != nil {
		log := a.requestLogger(r)
		log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not forward request")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	if err := send(w, res); err != nil {
		log := a.requestLogger(r)
		log.Error().Err(err).Msg("Could not write response body to client")
	}
}

// RoundTrip implements the http.RoundTripper interface.
// GET requests are served from the stores or the network, depending on their class.
// Other requests, and all requests before activation, go to the network unchanged.
// Only requests that are not intercepted can fail; intercepted requests that cannot be
// served get a synthetic 504 response instead.
func (a *Agent) RoundTrip(r *http.Request) (*http.Response, error) {
	log := a.requestLogger(r)
	cs := rfc9211.CacheStatus{Cache: CacheName}

	if r.Method != http.MethodGet || !a.Controlling() {
		if r.Method != http.MethodGet {
			cs.Forward(rfc9211.FwdReasonMethod)
		} else {
			cs.Forward(rfc9211.FwdReasonBypass)
		}
		res, err := a.fetch(a.outgoingRequest(r))
		if err != nil {
			Requests.WithLabelValues("bypass", resultError).Inc()
			return nil, err
		}
		cs.FwdStatus = res.StatusCode
		res.Header.Add(rfc9211.HeaderName, cs.String())
		Requests.WithLabelValues("bypass", resultNetwork).Inc()
		a.logRequest(log, r, "bypass", resultNetwork, cs)
		return res, nil
	}

	class := a.classifier.Classify(r)
	var res *http.Response
	var result string
	switch class {
	case ClassAppShell:
		res, result = a.serveAppShell(r, &cs, log)
	case ClassDynamic:
		res, result = a.serveDynamic(r, &cs, log)
	default:
		res, result = a.serveGeneric(r, &cs, log)
	}
	res.Header.Add(rfc9211.HeaderName, cs.String())
	Requests.WithLabelValues(class.String(), result).Inc()
	a.logRequest(log, r, class.String(), result, cs)
	return res, nil
}

// serveAppShell serves the request cache first: from the current app shell store,
// then from any store, then from the network.
// Successful network responses are stored in the app shell store.
func (a *Agent) serveAppShell(r *http.Request, cs *rfc9211.CacheStatus, log zerolog.Logger) (*http.Response, string) {
	ctx := r.Context()
	key := a.keyer.GetKey(r)

	store, err := a.storage.Open(ctx, a.appShell.Name())
	if err != nil {
		log.Error().Err(err).Str("store", a.appShell.Name()).Msg("Could not open store")
		store = nil
	}
	if store != nil {
		if res, ok := a.match(ctx, store, key, r, log); ok {
			cs.Hit()
			cs.Detail = store.Name()
			return res, resultHit
		}
	}
	if res, ok := a.matchAny(ctx, key, r, log); ok {
		cs.Hit()
		return res, resultHit
	}

	req := a.outgoingRequest(r)
	res, err := a.fetch(req)
	if err != nil {
		log.Warn().Err(err).Str("url", key).Msg("App shell resource not available")
		cs.Forward(rfc9211.FwdReasonMiss)
		cs.Detail = resultOffline
		return offlineResponse(r, OfflineAppShellBody), resultOffline
	}
	cs.Forward(rfc9211.FwdReasonUriMiss)
	cs.FwdStatus = res.StatusCode
	if store != nil && isOK(res) {
		cs.Stored = a.put(ctx, store, key, res, log) == nil
	}
	return res, resultNetwork
}

// serveDynamic serves the request from the current dynamic store, or else from the network.
// Successful and opaque network responses are stored, after which the store is trimmed to its cap.
func (a *Agent) serveDynamic(r *http.Request, cs *rfc9211.CacheStatus, log zerolog.Logger) (*http.Response, string) {
	ctx := r.Context()
	key := a.keyer.GetKey(r)

	store, err := a.storage.Open(ctx, a.dynamic.Name())
	if err != nil {
		log.Error().Err(err).Str("store", a.dynamic.Name()).Msg("Could not open store")
		store = nil
	}
	if store != nil {
		if res, ok := a.match(ctx, store, key, r, log); ok {
			cs.Hit()
			cs.Detail = store.Name()
			return res, resultHit
		}
	}

	req := a.outgoingRequest(r)
	res, err := a.fetch(req)
	if err != nil {
		log.Warn().Err(err).Str("url", key).Msg("Dynamic resource not available")
		cs.Forward(rfc9211.FwdReasonMiss)
		cs.Detail = resultOffline
		return offlineResponse(r, OfflineDynamicBody), resultOffline
	}
	cs.Forward(rfc9211.FwdReasonUriMiss)
	cs.FwdStatus = res.StatusCode

	opaque := a.isOpaque(req)
	if !isOK(res) && !opaque {
		log.Debug().
			Str("url", key).
			Int("status", res.StatusCode).
			Str("type", responseType(a.keyer.SameOrigin(req.URL))).
			Msg("Dynamic response not cacheable")
		return res, resultNetwork
	}
	if store != nil && a.put(ctx, store, key, res, log) == nil {
		cs.Stored = true
		a.trim(ctx, store, log)
	}
	return res, resultNetwork
}

// serveGeneric serves the request network first, without storing the response.
// When the network fails, a stored response from any store is used.
func (a *Agent) serveGeneric(r *http.Request, cs *rfc9211.CacheStatus, log zerolog.Logger) (*http.Response, string) {
	ctx := r.Context()
	res, err := a.fetch(a.outgoingRequest(r))
	if err == nil {
		cs.Forward(rfc9211.FwdReasonBypass)
		cs.FwdStatus = res.StatusCode
		return res, resultNetwork
	}

	key := a.keyer.GetKey(r)
	log.Debug().Err(err).Str("url", key).Msg("Network failed, trying stores")
	if res, ok := a.matchAny(ctx, key, r, log); ok {
		cs.Hit()
		cs.Detail = resultFallback
		return res, resultFallback
	}
	cs.Forward(rfc9211.FwdReasonMiss)
	cs.Detail = resultOffline
	return offlineResponse(r, OfflineBody), resultOffline
}

// match returns the stored response for the key from the store.
// Entries that cannot be read back are deleted and count as a miss.
func (a *Agent) match(ctx context.Context, store cache.Store, key string, r *http.Request, log zerolog.Logger) (*http.Response, bool) {
	b, ok, err := store.Match(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("store", store.Name()).Str("key", key).Msg("Could not retrieve from cache")
		return nil, false
	}
	if !ok {
		log.Trace().Str("store", store.Name()).Str("key", key).Msg("Cache miss")
		return nil, false
	}
	res, err := serializer.BytesToResponse(b, r)
	if err != nil {
		log.Error().Err(err).Str("store", store.Name()).Str("key", key).Msg("Could not create response, deleting entry")
		if _, err := store.Delete(ctx, key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Could not delete entry")
		}
		return nil, false
	}
	log.Trace().Str("store", store.Name()).Str("key", key).Msg("Cache hit")
	return res, true
}

// matchAny returns the stored response for the key from the first store that has it.
func (a *Agent) matchAny(ctx context.Context, key string, r *http.Request, log zerolog.Logger) (*http.Response, bool) {
	b, ok, err := a.storage.Match(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	res, err := serializer.BytesToResponse(b, r)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Could not create response")
		return nil, false
	}
	return res, true
}

// trim enforces the size cap of the dynamic store.
func (a *Agent) trim(ctx context.Context, store cache.Store, log zerolog.Logger) {
	evicted, err := TrimStore(ctx, store, a.maxEntries)
	if evicted > 0 {
		Evictions.Add(float64(evicted))
		log.Debug().Str("store", store.Name()).Int("evicted", evicted).Msg("Trimmed store")
	}
	if err != nil {
		log.Warn().Err(err).Str("store", store.Name()).Msg("Could not trim store")
	}
}

func responseType(sameOrigin bool) string {
	if sameOrigin {
		return "basic"
	}
	return "cors"
}

func (a *Agent) logRequest(log zerolog.Logger, r *http.Request, branch, result string, cs rfc9211.CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("branch", branch).
		Str("result", result).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}
