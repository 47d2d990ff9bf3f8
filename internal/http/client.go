// Package http builds the HTTP clients used for upstream calls. It wires
// the single hard request timeout and the optional forward proxy with
// basic-auth credentials.
package http

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout is the hard per-request timeout applied when the config
// does not specify one.
const DefaultTimeout = 60 * time.Second

// ProxyConfig describes an optional forward proxy for upstream traffic.
type ProxyConfig struct {
	URL      string
	Username string
	Password string
}

// ClientConfig configures an upstream HTTP client.
type ClientConfig struct {
	Timeout time.Duration
	Proxy   *ProxyConfig
}

// NewClient builds an *http.Client with the configured timeout and proxy.
func NewClient(config ClientConfig) (*http.Client, error) {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if config.Proxy != nil && config.Proxy.URL != "" {
		proxyURL, err := url.Parse(config.Proxy.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", config.Proxy.URL, err)
		}
		if config.Proxy.Username != "" {
			proxyURL.User = url.UserPassword(config.Proxy.Username, config.Proxy.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	}, nil
}
