package offlineagent

import (
	"fmt"
	"net/http"

	serializer "github.com/always-cache/offline-agent/pkg/response-serializer"
	tee "github.com/always-cache/offline-agent/pkg/response-writer-tee"
)

// HandlerTransport is a http.RoundTripper that serves requests with a http.Handler.
// Requests for other hosts go to Fallback, or fail if it is nil.
// Use it to put an in-process application behind the agent, or as a fake network in tests.
type HandlerTransport struct {
	Handler http.Handler
	// Host served by the handler. All hosts are served if empty.
	Host     string
	Fallback http.RoundTripper
}

func (t HandlerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.Host != "" && r.URL.Host != t.Host {
		if t.Fallback == nil {
			return nil, fmt.Errorf("no route to host %s", r.URL.Host)
		}
		return t.Fallback.RoundTrip(r)
	}
	if err := r.Context().Err(); err != nil {
		return nil, err
	}

	in := r.Clone(r.Context())
	in.RequestURI = r.URL.RequestURI()
	if in.Host == "" {
		in.Host = r.URL.Host
	}
	rw := tee.NewResponseSaver(nil)
	t.Handler.ServeHTTP(rw, in)
	rw.Finish()

	res, err := serializer.BytesToResponse(rw.Response(), r)
	if err != nil {
		return nil, fmt.Errorf("read handler response: %w", err)
	}
	return res, nil
}
