package offlineagent

import (
	"net/http"
	"net/url"
	"strings"

	cachekey "github.com/always-cache/offline-agent/pkg/cache-key"

	"github.com/rs/zerolog"
)

// Class is the routing class of a request.
type Class int

const (
	ClassOther Class = iota
	ClassAppShell
	ClassDynamic
)

func (c Class) String() string {
	switch c {
	case ClassAppShell:
		return "app-shell"
	case ClassDynamic:
		return "dynamic"
	default:
		return "generic"
	}
}

// Classifier decides whether a request targets the application shell or a known dynamic asset.
// It only depends on the request and the configured URL lists.
type Classifier struct {
	keyer cachekey.CacheKeyer
	log   zerolog.Logger

	// normalized shell URLs
	shell map[string]struct{}
	// paths of the same-origin shell URLs
	shellPaths map[string]struct{}

	// raw and normalized dynamic patterns, in configuration order
	dynamicRaw []string
	dynamic    []string
	// paths of the patterns that are absolute URLs
	dynamicPaths []string
}

func NewClassifier(keyer cachekey.CacheKeyer, shellAssets, dynamicAssets []string, logger zerolog.Logger) Classifier {
	c := Classifier{
		keyer:      keyer,
		log:        logger,
		shell:      make(map[string]struct{}),
		shellPaths: make(map[string]struct{}),
	}
	for _, asset := range shellAssets {
		normalized := keyer.Normalize(asset)
		c.shell[normalized] = struct{}{}
		if u, err := url.Parse(normalized); err == nil && u.IsAbs() && keyer.SameOrigin(u) {
			c.shellPaths[pathOf(u)] = struct{}{}
		}
	}
	for _, pattern := range dynamicAssets {
		if pattern == "" {
			continue
		}
		c.dynamicRaw = append(c.dynamicRaw, pattern)
		c.dynamic = append(c.dynamic, cachekey.NormalizeAbsolute(pattern))
		if u, err := cachekey.ParseAbsolute(pattern); err == nil {
			c.dynamicPaths = append(c.dynamicPaths, pathOf(u))
		}
	}
	return c
}

// Classify returns the class of the request. Shell matches win over dynamic matches.
func (c Classifier) Classify(r *http.Request) Class {
	if c.IsAppShell(r) {
		return ClassAppShell
	}
	if c.IsDynamic(r) {
		return ClassDynamic
	}
	return ClassOther
}

// ClassifyURL classifies a raw request URL fetched with the given mode.
// URLs that cannot be parsed as absolute URLs are only compared as raw strings.
func (c Classifier) ClassifyURL(raw string, mode Mode) Class {
	u, err := cachekey.ParseAbsolute(raw)
	if err != nil {
		if _, ok := c.shell[raw]; ok {
			return ClassAppShell
		}
		for _, pattern := range c.dynamicRaw {
			if pattern == raw {
				return ClassDynamic
			}
		}
		return ClassOther
	}
	r := &http.Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}
	if mode != "" {
		r.Header.Set(fetchModeHeader, string(mode))
	}
	return c.Classify(r)
}

// IsAppShell reports whether the request is for an application shell asset.
// Navigations always are, so that client-side routes are served the shell.
// Same-origin requests match on full URL or path, cross-origin requests on full URL only.
func (c Classifier) IsAppShell(r *http.Request) bool {
	u := c.keyer.ResolveURL(r)
	if _, ok := c.shell[c.keyer.Normalize(u.String())]; ok {
		return true
	}
	if c.keyer.SameOrigin(u) {
		if _, ok := c.shellPaths[pathOf(u)]; ok {
			return true
		}
		return RequestMode(r) == ModeNavigate
	}
	return false
}

// IsDynamic reports whether the request matches one of the dynamic asset patterns.
// A request matches on exact URL, on path, or when either URL is a prefix of the other.
// The prefix rule is loose on purpose: CDN URLs come in many variants.
func (c Classifier) IsDynamic(r *http.Request) bool {
	u := c.keyer.ResolveURL(r)
	href := cachekey.NormalizeAbsolute(u.String())

	for _, pattern := range c.dynamic {
		if pattern == href {
			c.log.Debug().Str("url", href).Str("match", "exact").Msg("Dynamic asset request")
			return true
		}
	}
	path := pathOf(u)
	for _, p := range c.dynamicPaths {
		if p == path {
			c.log.Debug().Str("url", href).Str("match", "path").Msg("Dynamic asset request")
			return true
		}
	}
	for _, pattern := range c.dynamic {
		if strings.HasPrefix(href, pattern) || strings.HasPrefix(pattern, href) {
			c.log.Debug().Str("url", href).Str("match", "prefix").Msg("Dynamic asset request")
			return true
		}
	}
	return false
}

// pathOf returns the URL path, "/" for an empty path, like a browser's URL.pathname.
func pathOf(u *url.URL) string {
	if p := u.EscapedPath(); p != "" {
		return p
	}
	return "/"
}
