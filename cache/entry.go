package cache

import (
	"fmt"
	"net/http"
	"time"

	serializer "github.com/always-cache/offline-agent/pkg/response-serializer"
)

// NewEntry captures the response into an entry stored under the given key.
// The response body is consumed and replaced, so the response can still be sent to the client.
// It returns ErrNotCacheable for responses a store must refuse.
func NewEntry(key string, res *http.Response) (Entry, error) {
	if res == nil {
		return Entry{}, fmt.Errorf("%w: no response", ErrNotCacheable)
	}
	if res.StatusCode == http.StatusPartialContent {
		return Entry{}, fmt.Errorf("%w: partial content", ErrNotCacheable)
	}
	for _, v := range res.Header.Values("Vary") {
		if v == "*" {
			return Entry{}, fmt.Errorf("%w: vary *", ErrNotCacheable)
		}
	}
	bts, err := serializer.ResponseToBytes(res)
	if err != nil {
		return Entry{}, fmt.Errorf("capture response: %w", err)
	}
	return Entry{
		Key:      key,
		StoredAt: time.Now(),
		Bytes:    bts,
	}, nil
}
