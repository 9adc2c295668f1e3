package offlineagent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/always-cache/offline-agent/cache"
	"github.com/always-cache/offline-agent/rfc9211"
)

func TestAppShellIsServedFromCache(t *testing.T) {
	network := newFakeNetwork()
	a := newRegisteredAgent(t, network, cache.NewMemStorage())
	before := network.totalFetches()

	res := get(t, a, testOrigin+"/index.html", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); body != "<html>shell /index.html</html>" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get(rfc9211.HeaderName); cs != `OfflineAgent; hit; detail="app-shell-v2"` {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if network.totalFetches() != before {
		t.Fatal("Cached app shell must be served without fetching")
	}
}

func TestAppShellIsServedFromCacheOffline(t *testing.T) {
	network := newFakeNetwork()
	a := newRegisteredAgent(t, network, cache.NewMemStorage())
	network.setOffline(true)

	for _, target := range []string{testOrigin + "/", testOrigin + "/manifest.json"} {
		res := get(t, a, target, "")
		if res.StatusCode != http.StatusOK {
			t.Fatalf("Status of %s is %d", target, res.StatusCode)
		}
	}
}

func TestAppShellMissIsFetchedAndStored(t *testing.T) {
	network := newFakeNetwork()
	storage := cache.NewMemStorage()
	a := newRegisteredAgent(t, network, storage)

	// client-side route, only known as a navigation
	res := get(t, a, testOrigin+"/calendar/week", ModeNavigate)
	if body := readBody(t, res); body != "<html>shell /calendar/week</html>" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get(rfc9211.HeaderName); cs != "OfflineAgent; fwd=uri-miss; fwd-status=200; stored" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if !storeHas(t, storage, "app-shell-v2", testOrigin+"/calendar/week") {
		t.Fatal("Navigation response not stored")
	}

	network.setOffline(true)
	res = get(t, a, testOrigin+"/calendar/week", ModeNavigate)
	if body := readBody(t, res); body != "<html>shell /calendar/week</html>" {
		t.Fatalf("Body is %s", body)
	}
	if network.fetchCount(testOrigin+"/calendar/week") != 1 {
		t.Fatal("Stored navigation must not be fetched again")
	}
}

func TestAppShellErrorIsNotStored(t *testing.T) {
	network := newFakeNetwork()
	storage := cache.NewMemStorage()
	a := newRegisteredAgent(t, network, storage)

	res := get(t, a, testOrigin+"/api/nothing", ModeNavigate)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if storeHas(t, storage, "app-shell-v2", testOrigin+"/api/nothing") {
		t.Fatal("Error response must not be stored")
	}
}

func TestAppShellOffline(t *testing.T) {
	network := newFakeNetwork()
	a := newRegisteredAgent(t, network, cache.NewMemStorage())
	network.setOffline(true)

	res := get(t, a, testOrigin+"/settings", ModeNavigate)
	if res.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); body != OfflineAppShellBody {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get(rfc9211.HeaderName); cs != `OfflineAgent; fwd=miss; detail="offline"` {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestAppShellFallsBackToOtherStores(t *testing.T) {
	network := newFakeNetwork()
	storage := cache.NewMemStorage()
	putResponse(t, storage, "pages-v1", testOrigin+"/about", http.StatusOK, "old about page")
	a := newRegisteredAgent(t, network, storage)

	res := get(t, a, testOrigin+"/about", ModeNavigate)
	if body := readBody(t, res); body != "old about page" {
		t.Fatalf("Body is %s", body)
	}
	if network.fetchCount(testOrigin+"/about") != 0 {
		t.Fatal("Response found in another store must not be fetched")
	}
}

func TestDynamicAssetIsCachedOnFirstUse(t *testing.T) {
	network := newFakeNetwork()
	storage := cache.NewMemStorage()
	a := newRegisteredAgent(t, network, storage)

	res := get(t, a, fullcalendarURL, ModeNoCORS)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); body != "cdn /npm/fullcalendar@6.1.11/index.global.min.js" {
		t.Fatalf("Body is %s", body)
	}
	if !storeHas(t, storage, "dynamic-cache-v1", fullcalendarURL) {
		t.Fatal("Dynamic asset not stored")
	}

	res = get(t, a, fullcalendarURL, ModeNoCORS)
	if body := readBody(t, res); body != "cdn /npm/fullcalendar@6.1.11/index.global.min.js" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get(rfc9211.HeaderName); cs != `OfflineAgent; hit; detail="dynamic-cache-v1"` {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if network.fetchCount(fullcalendarURL) != 1 {
		t.Fatalf("Fetched %d times", network.fetchCount(fullcalendarURL))
	}
}

func TestDynamicOpaqueResponseIsStored(t *testing.T) {
	network := newFakeNetwork()
	storage := cache.NewMemStorage()
	a := newRegisteredAgent(t, network, storage)
	forbidden := bootstrapURL + "forbidden.css"

	// a cors request gets a readable error response, which is not stored
	res := get(t, a, forbidden, ModeCORS)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if storeHas(t, storage, "dynamic-cache-v1", forbidden) {
		t.Fatal("Error response must not be stored")
	}

	// the same response is opaque to a no-cors request, and is stored as is
	res = get(t, a, forbidden, ModeNoCORS)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if !storeHas(t, storage, "dynamic-cache-v1", forbidden) {
		t.Fatal("Opaque response not stored")
	}
}

func TestDynamicOffline(t *testing.T) {
	network := newFakeNetwork()
	storage := cache.NewMemStorage()
	a := newRegisteredAgent(t, network, storage)
	// present in another store, which the dynamic branch does not search
	putResponse(t, storage, "app-shell-v2", fullcalendarURL, http.StatusOK, "stale")
	network.setOffline(true)

	res := get(t, a, fullcalendarURL, "")
	if res.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); body != OfflineDynamicBody {
		t.Fatalf("Body is %s", body)
	}
}

func TestDynamicStoreIsCapped(t *testing.T) {
	network := newFakeNetwork()
	storage := cache.NewMemStorage()
	a := newRegisteredAgent(t, network, storage)

	for i := 0; i < 51; i++ {
		res := get(t, a, fmt.Sprintf("%sfile%d.css", bootstrapURL, i), ModeNoCORS)
		readBody(t, res)
		if n := len(storeKeys(t, storage, "dynamic-cache-v1")); n > 50 {
			t.Fatalf("Dynamic store holds %d entries after write %d", n, i+1)
		}
	}
	keys := storeKeys(t, storage, "dynamic-cache-v1")
	if len(keys) != 50 {
		t.Fatalf("Dynamic store holds %d entries", len(keys))
	}
	if keys[0] != bootstrapURL+"file1.css" {
		t.Fatalf("Oldest entry is %s", keys[0])
	}
	if storeHas(t, storage, "dynamic-cache-v1", bootstrapURL+"file0.css") {
		t.Fatal("Oldest entry not evicted")
	}
}

func TestGenericIsNetworkFirst(t *testing.T) {
	network := newFakeNetwork()
	storage := cache.NewMemStorage()
	a := newRegisteredAgent(t, network, storage)
	putResponse(t, storage, "dynamic-cache-v1", testOrigin+"/api/events", http.StatusOK, "stale")

	res := get(t, a, testOrigin+"/api/events", ModeCORS)
	if body := readBody(t, res); body != `[{"title":"standup"}]` {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get(rfc9211.HeaderName); cs != "OfflineAgent; fwd=bypass; fwd-status=200" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if storeHas(t, storage, "app-shell-v2", testOrigin+"/api/events") {
		t.Fatal("Generic response must not be stored")
	}
}

func TestGenericFallsBackToStores(t *testing.T) {
	network := newFakeNetwork()
	storage := cache.NewMemStorage()
	a := newRegisteredAgent(t, network, storage)
	putResponse(t, storage, "dynamic-cache-v1", testOrigin+"/api/events", http.StatusOK, "stale")
	network.setOffline(true)

	res := get(t, a, testOrigin+"/api/events", ModeCORS)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); body != "stale" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get(rfc9211.HeaderName); cs != `OfflineAgent; hit; detail="fallback"` {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestGenericOffline(t *testing.T) {
	network := newFakeNetwork()
	a := newRegisteredAgent(t, network, cache.NewMemStorage())
	network.setOffline(true)

	res := get(t, a, testOrigin+"/api/unknown", ModeCORS)
	if res.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	body := readBody(t, res)
	if body != OfflineBody {
		t.Fatalf("Body is %s", body)
	}
	if !IsOffline(res.StatusCode, body) {
		t.Fatal("Response not recognized as offline")
	}
}

func TestNonGetIsNotIntercepted(t *testing.T) {
	network := newFakeNetwork()
	storage := cache.NewMemStorage()
	a := newRegisteredAgent(t, network, storage)

	req := httptest.NewRequest(http.MethodPost, testOrigin+"/api/events", strings.NewReader(`{"title":"lunch"}`))
	w := httptest.NewRecorder()
	a.ServeHTTP(w, req)
	res := w.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if cs := res.Header.Get(rfc9211.HeaderName); cs != "OfflineAgent; fwd=method; fwd-status=201" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if network.fetchCount(testOrigin+"/api/events") != 1 {
		t.Fatal("POST not forwarded")
	}
}

func TestRequestsPassThroughBeforeActivation(t *testing.T) {
	network := newFakeNetwork()
	storage := cache.NewMemStorage()
	a := CreateAgent(testConfig(network, storage))

	res := get(t, a, testOrigin+"/index.html", "")
	if cs := res.Header.Get(rfc9211.HeaderName); cs != "OfflineAgent; fwd=bypass; fwd-status=200" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	names, _ := storage.Names(context.Background())
	if len(names) != 0 {
		t.Fatalf("Stores created before activation: %v", names)
	}

	network.setOffline(true)
	res = get(t, a, testOrigin+"/index.html", "")
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

func TestReverseProxyRequest(t *testing.T) {
	network := newFakeNetwork()
	a := newRegisteredAgent(t, network, cache.NewMemStorage())
	network.setOffline(true)

	// requests received as a reverse proxy only carry the path
	res := get(t, a, "/manifest.json", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); body != "<html>shell /manifest.json</html>" {
		t.Fatalf("Body is %s", body)
	}
}

func TestAgentAsClientTransport(t *testing.T) {
	network := newFakeNetwork()
	a := newRegisteredAgent(t, network, cache.NewMemStorage())
	network.setOffline(true)

	client := http.Client{Transport: a, Timeout: 5 * time.Second}
	res, err := client.Get(testOrigin + "/")
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "<html>shell /</html>" {
		t.Fatalf("Body is %s", body)
	}
}

func TestOriginWithoutPathIsServedOffline(t *testing.T) {
	network := newFakeNetwork()
	a := newRegisteredAgent(t, network, cache.NewMemStorage())
	network.setOffline(true)

	req, err := http.NewRequest(http.MethodGet, testOrigin, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := a.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); body != "<html>shell /</html>" {
		t.Fatalf("Body is %s", body)
	}
}

func TestCorruptEntryIsDeleted(t *testing.T) {
	network := newFakeNetwork()
	storage := cache.NewMemStorage()
	a := newRegisteredAgent(t, network, storage)
	store, _ := storage.Open(context.Background(), "dynamic-cache-v1")
	store.Put(context.Background(), cache.Entry{Key: fullcalendarURL, StoredAt: time.Now(), Bytes: []byte("garbage")})

	res := get(t, a, fullcalendarURL, ModeNoCORS)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if network.fetchCount(fullcalendarURL) != 1 {
		t.Fatal("Corrupt entry must count as a miss")
	}
	bts, ok, _ := store.Match(context.Background(), fullcalendarURL)
	if !ok || string(bts) == "garbage" {
		t.Fatal("Corrupt entry not replaced")
	}
}

// putResponse stores a plain text response in the named store.
func putResponse(t *testing.T, storage cache.Storage, name, key string, status int, body string) {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "text/plain")
	rec.WriteHeader(status)
	fmt.Fprint(rec, body)
	entry, err := cache.NewEntry(key, rec.Result())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
}
