package catalog

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Headers never forwarded upstream. Refund metadata and ecash bearers are
// ours; hop-by-hop headers belong to each connection.
var strippedHeaders = []string{
	"Host",
	"Content-Length",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"X-Cashu",
	"Refund-Lnurl",
	"Refund-Expiry",
	"Accept-Encoding",
}

// Target is the resolved upstream destination for one request.
type Target struct {
	URL      *url.URL
	Provider Provider
}

// Router maps (model, client path) pairs onto upstream URLs.
type Router struct {
	catalog *Catalog
}

// NewRouter wraps a catalog.
func NewRouter(c *Catalog) *Router {
	return &Router{catalog: c}
}

// Resolve picks the upstream for modelID and joins the client path onto its
// base URL. The client-facing v1/ prefix is stripped; most upstreams carry
// their own version segment in the base URL.
func (r *Router) Resolve(modelID, clientPath string) (Target, error) {
	var provider Provider
	var err error
	if strings.TrimSpace(modelID) != "" {
		provider, err = r.catalog.ProviderFor(modelID)
	} else {
		provider, err = r.catalog.DefaultProvider()
	}
	if err != nil {
		return Target{}, err
	}
	base, err := url.Parse(strings.TrimRight(provider.BaseURL, "/"))
	if err != nil {
		return Target{}, fmt.Errorf("parse provider base URL: %w", err)
	}
	path := strings.TrimPrefix(clientPath, "/")
	path = strings.TrimPrefix(path, "v1/")
	joined := *base
	joined.Path = singleJoiningSlash(base.Path, path)
	return Target{URL: &joined, Provider: provider}, nil
}

// RewriteHeaders copies client headers onto the upstream request, drops the
// stripped set and swaps Authorization for the provider's key.
func RewriteHeaders(dst *http.Request, src http.Header, provider Provider) {
	for key, values := range src {
		if isStripped(key) {
			continue
		}
		for _, v := range values {
			dst.Header.Add(key, v)
		}
	}
	dst.Header.Del("Authorization")
	if provider.APIKey != "" {
		dst.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}
}

func isStripped(key string) bool {
	for _, h := range strippedHeaders {
		if strings.EqualFold(h, key) {
			return true
		}
	}
	return false
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
