// Package rfc9211 builds the Cache-Status HTTP response header field (RFC 9211).
package rfc9211

import (
	"fmt"
	"strings"
)

// HeaderName is the name of the response header field.
const HeaderName = "Cache-Status"

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request (to be used when an implementation cannot
	// distinguish between uri-miss and vary-miss).
	FwdReasonMiss FwdReason = "miss"
)

// CacheStatus is one cache's entry in the Cache-Status field.
type CacheStatus struct {
	// Identifies the cache, e.g. the product name.
	Cache     string
	hit       bool
	FwdReason FwdReason
	// Status code of the forwarded response, 0 if not known.
	FwdStatus int
	Stored    bool
	Detail    string
}

func (cs *CacheStatus) Hit() {
	cs.hit = true
	cs.FwdReason = ""
}

func (cs *CacheStatus) IsHit() bool {
	return cs.hit
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.hit = false
	cs.FwdReason = reason
}

// String serializes the entry as a structured field list member.
func (cs CacheStatus) String() string {
	params := []string{cs.Cache}
	if cs.hit {
		params = append(params, "hit")
	} else if cs.FwdReason != "" {
		params = append(params, "fwd="+string(cs.FwdReason))
		if cs.FwdStatus != 0 {
			params = append(params, fmt.Sprintf("fwd-status=%d", cs.FwdStatus))
		}
	}
	if cs.Stored {
		params = append(params, "stored")
	}
	if cs.Detail != "" {
		params = append(params, fmt.Sprintf("detail=%q", cs.Detail))
	}
	return strings.Join(params, "; ")
}
