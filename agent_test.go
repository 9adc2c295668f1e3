package offlineagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/always-cache/offline-agent/cache"

	"github.com/rs/zerolog"
)

const (
	testOrigin      = "https://app.test"
	fullcalendarURL = "https://cdn.jsdelivr.net/npm/fullcalendar@6.1.11/index.global.min.js"
	bootstrapURL    = "https://cdn.jsdelivr.net/npm/bootstrap@5.3.3/"
)

var errUnreachable = errors.New("network unreachable")

// fakeNetwork serves the app origin and a CDN in process.
// It counts fetches per URL and can be switched offline.
type fakeNetwork struct {
	mutex   sync.Mutex
	rt      http.RoundTripper
	offline bool
	// URLs whose fetch fails even when online
	broken  map[string]bool
	fetches map[string]int
}

func newFakeNetwork() *fakeNetwork {
	app := http.NewServeMux()
	app.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"created":true}`)
			return
		}
		fmt.Fprint(w, `[{"title":"standup"}]`)
	})
	app.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	// every other path serves the single page application
	app.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "<html>shell %s</html>", r.URL.Path)
	})

	cdn := http.NewServeMux()
	cdn.HandleFunc("/npm/bootstrap@5.3.3/forbidden.css", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	cdn.HandleFunc("/npm/missing.css", func(w http.ResponseWriter, r *http.Request) {
		// echo the request mode, so tests can check how the asset was fetched
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, r.Header.Get(fetchModeHeader))
	})
	cdn.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "cdn %s", r.URL.Path)
	})

	return &fakeNetwork{
		rt: HandlerTransport{
			Handler:  app,
			Host:     "app.test",
			Fallback: HandlerTransport{Handler: cdn, Host: "cdn.jsdelivr.net"},
		},
		broken:  make(map[string]bool),
		fetches: make(map[string]int),
	}
}

func (n *fakeNetwork) RoundTrip(r *http.Request) (*http.Response, error) {
	n.mutex.Lock()
	u := r.URL.String()
	n.fetches[u]++
	fail := n.offline || n.broken[u]
	n.mutex.Unlock()
	if fail {
		return nil, errUnreachable
	}
	return n.rt.RoundTrip(r)
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) breakURL(u string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.broken[u] = true
}

func (n *fakeNetwork) fetchCount(u string) int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.fetches[u]
}

func (n *fakeNetwork) totalFetches() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	total := 0
	for _, c := range n.fetches {
		total += c
	}
	return total
}

func testConfig(network http.RoundTripper, storage cache.Storage) Config {
	origin, _ := url.Parse(testOrigin)
	logger := zerolog.Nop()
	return Config{
		Storage:       storage,
		OriginURL:     *origin,
		ShellAssets:   []string{"/", "/index.html", "/manifest.json"},
		DynamicAssets: []string{fullcalendarURL, bootstrapURL},
		Transport:     network,
		Logger:        &logger,
	}
}

// newRegisteredAgent returns an installed and activated agent.
func newRegisteredAgent(t *testing.T, network *fakeNetwork, storage cache.Storage) *Agent {
	t.Helper()
	a := CreateAgent(testConfig(network, storage))
	if err := a.Register(context.Background()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return a
}

// get sends a GET request through the agent's handler.
func get(t *testing.T, a *Agent, target string, mode Mode) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if mode != "" {
		req.Header.Set(fetchModeHeader, string(mode))
	}
	w := httptest.NewRecorder()
	a.ServeHTTP(w, req)
	return w.Result()
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Could not read body: %v", err)
	}
	return string(b)
}

func storeKeys(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

func storeHas(t *testing.T, storage cache.Storage, name, key string) bool {
	t.Helper()
	for _, k := range storeKeys(t, storage, name) {
		if k == key {
			return true
		}
	}
	return false
}

func TestCreateAgentDefaults(t *testing.T) {
	a := CreateAgent(Config{})
	if a.Scope() != "/" {
		t.Fatalf("Scope is %s", a.Scope())
	}
	if a.appShell.Name() != "app-shell-v2" || a.dynamic.Name() != "dynamic-cache-v1" {
		t.Fatalf("Store names are %s %s", a.appShell.Name(), a.dynamic.Name())
	}
	if a.maxEntries != 50 {
		t.Fatalf("Cap is %d", a.maxEntries)
	}
	if a.Controlling() {
		t.Fatal("New agent must not control requests")
	}
}

func TestRegister(t *testing.T) {
	storage := cache.NewMemStorage()
	a := newRegisteredAgent(t, newFakeNetwork(), storage)
	if !a.Controlling() {
		t.Fatal("Registered agent must control requests")
	}
	infos, err := a.Stores(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Name != "app-shell-v2" || infos[0].Entries != 3 {
		t.Fatalf("Stores are %+v", infos)
	}
}

func TestRegisterFailsWithoutStorage(t *testing.T) {
	config := testConfig(newFakeNetwork(), failingStorage{})
	a := CreateAgent(config)
	if err := a.Register(context.Background()); err == nil {
		t.Fatal("Expected registration to fail")
	}
	if a.Controlling() {
		t.Fatal("Agent must not control requests after failed registration")
	}
}

// failingStorage fails every operation.
type failingStorage struct{}

var errStorage = errors.New("storage unavailable")

func (failingStorage) Open(context.Context, string) (cache.Store, error) { return nil, errStorage }
func (failingStorage) Names(context.Context) ([]string, error)          { return nil, errStorage }
func (failingStorage) Delete(context.Context, string) (bool, error)     { return false, errStorage }
func (failingStorage) Match(context.Context, string) ([]byte, bool, error) {
	return nil, false, errStorage
}
func (failingStorage) Close() error { return nil }

func TestHandlerTransportUnknownHost(t *testing.T) {
	rt := HandlerTransport{Handler: http.NotFoundHandler(), Host: "app.test"}
	req, _ := http.NewRequest(http.MethodGet, "https://other.test/", nil)
	if _, err := rt.RoundTrip(req); err == nil || !strings.Contains(err.Error(), "other.test") {
		t.Fatalf("Expected no route error, got %v", err)
	}
}
