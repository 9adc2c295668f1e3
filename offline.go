package offlineagent

import (
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Bodies of the synthetic responses sent when the network is unreachable
// and no stored copy exists. Clients can treat a 504 with one of these bodies as
// "offline, no cached copy".
const (
	OfflineAppShellBody = "App shell resource not available offline."
	OfflineDynamicBody  = "Dynamic resource not available offline."
	OfflineBody         = "Resource not available (offline)."
)

// offlineResponse creates the synthetic 504 response with the given body.
func offlineResponse(req *http.Request, body string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        "504 Offline",
		StatusCode:    http.StatusGatewayTimeout,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// IsOffline reports whether a status code and body are one of the synthetic offline responses.
func IsOffline(statusCode int, body string) bool {
	if statusCode != http.StatusGatewayTimeout {
		return false
	}
	switch body {
	case OfflineAppShellBody, OfflineDynamicBody, OfflineBody:
		return true
	}
	return false
}
