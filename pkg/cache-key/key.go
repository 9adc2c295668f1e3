package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
)

var ErrorNotAbsolute = fmt.Errorf("URL not absolute")

// CacheKeyer derives cache keys for one application origin.
// Keys are absolute URLs without fragment; the method is always GET and not part of the key.
type CacheKeyer struct {
	// Location of the agent, i.e. the application origin.
	// Relative URLs are resolved against it.
	Base *url.URL
}

func NewCacheKeyer(base *url.URL) CacheKeyer {
	return CacheKeyer{Base: base}
}

// Normalize resolves a possibly relative URL against the base and returns the absolute URL.
// If the URL cannot be parsed the raw string is returned unchanged,
// so that malformed input degrades to plain string matching.
func (c CacheKeyer) Normalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if c.Base != nil {
		u = c.Base.ResolveReference(u)
	}
	if !u.IsAbs() {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	rootPath(u)
	return u.String()
}

// NormalizeAbsolute parses an absolute URL without a base.
// Relative or malformed input is returned unchanged.
func NormalizeAbsolute(raw string) string {
	u, err := ParseAbsolute(raw)
	if err != nil {
		return raw
	}
	return u.String()
}

// ParseAbsolute parses raw and returns an error unless it is an absolute URL with a host.
// The fragment is dropped.
func ParseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, ErrorNotAbsolute
	}
	u.Fragment = ""
	u.RawFragment = ""
	rootPath(u)
	return u, nil
}

// rootPath gives hierarchical URLs without path the path "/", e.g. https://app.test becomes https://app.test/.
func rootPath(u *url.URL) {
	if u.Path == "" && u.Opaque == "" && u.Host != "" {
		u.Path = "/"
		u.RawPath = ""
	}
}

// GetKey returns the cache key for a request.
func (c CacheKeyer) GetKey(r *http.Request) string {
	return c.Normalize(c.ResolveURL(r).String())
}

// ResolveURL returns the absolute URL of the request.
// Requests received by a reverse proxy only carry the request URI, and are resolved against the base.
func (c CacheKeyer) ResolveURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() || c.Base == nil {
		return r.URL
	}
	return c.Base.ResolveReference(&url.URL{
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	})
}

// SameOrigin checks whether the URL has the scheme and host of the base.
func (c CacheKeyer) SameOrigin(u *url.URL) bool {
	if c.Base == nil {
		return !u.IsAbs()
	}
	return u.Scheme == c.Base.Scheme && u.Host == c.Base.Host
}
