package router

import (
	"net/http"
	"strings"
)

// AuthPlugin authorises one request. The chain stops at the first plugin
// that returns true (spec.md §4.6 step 7: "first plugin to authorise
// wins"); this deployment ships exactly one (static API key), but the slice
// shape is kept so a future plugin (mTLS, JWT) can be prepended without
// touching ServeHTTP.
type AuthPlugin func(req *http.Request) bool

// APIKeyPlugin authorises a request whose Authorization: Bearer, x-api-key,
// or x-goog-api-key header matches key exactly (spec.md §6). An empty
// configured key authorises nothing — there is no "auth disabled" mode,
// since an open relay to paid upstreams is never the right default.
func APIKeyPlugin(key string) AuthPlugin {
	return func(req *http.Request) bool {
		if key == "" {
			return false
		}
		if bearer := req.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
			if strings.TrimPrefix(bearer, "Bearer ") == key {
				return true
			}
		}
		if req.Header.Get("x-api-key") == key {
			return true
		}
		if req.Header.Get("x-goog-api-key") == key {
			return true
		}
		return false
	}
}
