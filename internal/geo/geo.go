// Package geo resolves viewer addresses to country codes, best effort.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// lookupTimeout bounds a single resolution; subscriptions must not hang on a
// slow lookup service.
const lookupTimeout = 2 * time.Second

// Resolver queries an ip-api style JSON endpoint for the country of an
// address. Every failure mode resolves to the empty string: the country is
// display garnish, never a gate.
type Resolver struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// NewResolver returns a Resolver against baseURL, e.g. "http://ip-api.com/json".
func NewResolver(baseURL string, log *slog.Logger) *Resolver {
	return &Resolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: lookupTimeout},
		log:     log,
	}
}

// Country returns the country code for remoteAddr, or "" if the address is
// private, unparseable, or the lookup fails.
func (r *Resolver) Country(ctx context.Context, remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s?fields=countryCode", r.baseURL, ip.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Debug("country lookup failed",
			slog.String("ip", ip.String()),
			slog.String("error", err.Error()))
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var body struct {
		CountryCode string `json:"countryCode"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return ""
	}
	return body.CountryCode
}
