package offlineagent

import (
	"context"
	"io"
	"net/http"
	"strings"
)

// Mode is the request mode, as sent by browsers in the Sec-Fetch-Mode header.
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
	ModeSameOrigin Mode = "same-origin"
)

const fetchModeHeader = "Sec-Fetch-Mode"

// RequestMode returns the mode of the request, empty if unknown.
func RequestMode(r *http.Request) Mode {
	return Mode(strings.ToLower(r.Header.Get(fetchModeHeader)))
}

// hop-by-hop headers are never forwarded
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// outgoingRequest creates the network request for a request received by the agent.
// The URL is made absolute and hop-by-hop headers are dropped.
func (a *Agent) outgoingRequest(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	out.URL = a.keyer.ResolveURL(r)
	out.Host = ""
	out.RequestURI = ""
	out.Header = make(http.Header)
	copyHeader(out.Header, r.Header)
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	return out
}

// restrictedRequest creates a GET request without credentials.
// Cross-origin requests are marked no-cors, their responses are used as they are.
func (a *Agent) restrictedRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	// a new request carries no cookies or authorization
	if !a.keyer.SameOrigin(req.URL) {
		req.Header.Set(fetchModeHeader, string(ModeNoCORS))
	}
	return req, nil
}

// fetch sends the request to the network. Redirects are not followed,
// they are passed on like any other response.
func (a *Agent) fetch(r *http.Request) (*http.Response, error) {
	req := r
	var cancel context.CancelFunc
	if a.fetchTimeout > 0 {
		var ctx context.Context
		ctx, cancel = context.WithTimeout(r.Context(), a.fetchTimeout)
		req = r.Clone(ctx)
	}
	res, err := a.transport.RoundTrip(req)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}
	if cancel != nil {
		res.Body = &cancelOnClose{ReadCloser: res.Body, cancel: cancel}
	}
	return res, nil
}

// cancelOnClose releases the fetch timeout once the body has been consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// isOK reports a successful (2xx) response.
func isOK(res *http.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode <= 299
}

// isOpaque reports whether the response to the request is opaque, i.e. the request is a cross-origin no-cors request.
// A browser would hide the status and body of such a response, but it can still be stored and replayed.
func (a *Agent) isOpaque(req *http.Request) bool {
	return !a.keyer.SameOrigin(req.URL) && RequestMode(req) == ModeNoCORS
}

func send(w http.ResponseWriter, r *http.Response) error {
	defer r.Body.Close()
	copyHeader(w.Header(), r.Header)
	w.WriteHeader(r.StatusCode)
	_, err := io.Copy(w, r.Body)
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}
