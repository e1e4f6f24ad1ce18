// Package geo resolves source IPs to country codes for matchmaking.
// Lookups fail soft: anything unresolvable yields the configured
// default country so a geo outage never blocks pairing.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pairvid/pairvid/config"
)

// Resolver maps IPs to ISO country codes with a redis-backed cache.
type Resolver struct {
	cfg   config.GeoConfig
	cache *redis.Client
	http  *http.Client
}

// NewResolver creates a Resolver. cache may be nil, in which case every
// lookup hits the endpoint.
func NewResolver(cfg config.GeoConfig, cache *redis.Client) *Resolver {
	return &Resolver{
		cfg:   cfg,
		cache: cache,
		http:  &http.Client{Timeout: 3 * time.Second},
	}
}

type lookupResponse struct {
	CountryCode string `json:"countryCode"`
}

// Country resolves ip to a country code. Private/special addresses and
// any lookup failure resolve to the default country.
func (r *Resolver) Country(ctx context.Context, ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil || isSharedRange(addr) {
		return r.cfg.DefaultCountry
	}

	cacheKey := "geo:" + ip
	if r.cache != nil {
		if code, err := r.cache.Get(ctx, cacheKey).Result(); err == nil && code != "" {
			return code
		}
	}

	code, err := r.fetch(ctx, ip)
	if err != nil {
		log.Printf("[geo] lookup %s failed, using default %s: %v", ip, r.cfg.DefaultCountry, err)
		return r.cfg.DefaultCountry
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, cacheKey, code, r.cfg.CacheTTL).Err(); err != nil {
			log.Printf("[geo] cache set %s: %v", ip, err)
		}
	}
	return code
}

func (r *Resolver) fetch(ctx context.Context, ip string) (string, error) {
	url := fmt.Sprintf(r.cfg.EndpointURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("http %d", resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if body.CountryCode == "" {
		return "", fmt.Errorf("empty country code")
	}
	return body.CountryCode, nil
}

// SharedNetwork reports whether two users present the same public IP.
// Private, loopback, and link-local ranges are exempt: many distinct
// users legitimately share those (NAT, container bridges), so they
// never count as the same network.
func SharedNetwork(a, b string) bool {
	if a == "" || b == "" || a != b {
		return false
	}
	addr, err := netip.ParseAddr(a)
	if err != nil {
		return false
	}
	return !isSharedRange(addr)
}

func isSharedRange(addr netip.Addr) bool {
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified()
}
