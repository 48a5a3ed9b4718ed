package connection

import (
	"fmt"
	"net/url"
	"strings"
)

// ResolveURL turns a configured endpoint into an absolute websocket URL.
// A relative endpoint such as "/ws" is resolved against origin, picking wss
// when the origin is served over https.
func ResolveURL(endpoint, origin string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("empty websocket endpoint")
	}

	if strings.HasPrefix(endpoint, "/") {
		base, err := url.Parse(origin)
		if err != nil || base.Host == "" {
			return "", fmt.Errorf("invalid origin '%s' for relative endpoint '%s'", origin, endpoint)
		}
		scheme, err := wsScheme(base.Scheme)
		if err != nil {
			return "", err
		}
		u := url.URL{Scheme: scheme, Host: base.Host}
		ref, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("invalid websocket endpoint '%s': %w", endpoint, err)
		}
		u.Path = ref.Path
		u.RawQuery = ref.RawQuery
		return u.String(), nil
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid websocket endpoint '%s'", endpoint)
	}
	u.Scheme, err = wsScheme(u.Scheme)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func wsScheme(scheme string) (string, error) {
	switch strings.ToLower(scheme) {
	case "https", "wss":
		return "wss", nil
	case "http", "ws":
		return "ws", nil
	default:
		return "", fmt.Errorf("unsupported scheme '%s'", scheme)
	}
}
