package auth

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/goccy/go-json"
	"github.com/italolelis/geoip_updater/internal/config"
	"github.com/italolelis/geoip_updater/internal/logctx"
)

const OperationDiscover = "discover"

// FallbackDatabases is the legacy catalog shown when discovery is unavailable.
var FallbackDatabases = []string{
	"GeoIP2-City.mmdb",
	"GeoIP2-Country.mmdb",
	"GeoIP2-ISP.mmdb",
	"GeoIP2-Connection-Type.mmdb",
	"IP-COUNTRY-REGION-CITY-LATITUDE-LONGITUDE-ISP-DOMAIN-MOBILE-USAGETYPE.BIN",
	"IPV6-COUNTRY-REGION-CITY-LATITUDE-LONGITUDE-ISP-DOMAIN-MOBILE-USAGETYPE.BIN",
	"IP2PROXY-IP-PROXYTYPE-COUNTRY.BIN",
}

// providerOrder is the display order of well-known providers.
var providerOrder = []string{"maxmind", "ip2location"}

type Database struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

type Provider struct {
	Count     int        `json:"count"`
	Databases []Database `json:"databases"`
}

type Examples struct {
	SingleDatabase    []string   `json:"single_database"`
	MultipleDatabases [][]string `json:"multiple_databases"`
	BulkSelection     []string   `json:"bulk_selection"`
}

// Catalog is the /databases document. Fallback marks the hardcoded legacy list.
type Catalog struct {
	Total     int                 `json:"total"`
	Providers map[string]Provider `json:"providers"`
	Examples  Examples            `json:"examples"`
	Fallback  bool                `json:"-"`
}

// ProviderNames returns the provider keys, well-known ones first.
func (c *Catalog) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))

	for _, p := range providerOrder {
		if _, ok := c.Providers[p]; ok {
			names = append(names, p)
		}
	}

	rest := make([]string, 0, len(c.Providers))
	for p := range c.Providers {
		if !slices.Contains(providerOrder, p) {
			rest = append(rest, p)
		}
	}

	slices.Sort(rest)

	return append(names, rest...)
}

func fallbackCatalog() *Catalog {
	return &Catalog{Total: len(FallbackDatabases), Fallback: true}
}

// Discover fetches the catalog next to the auth endpoint. It never fails:
// any error yields the fallback catalog.
func Discover(ctx context.Context, doer Doer, endpoint string) *Catalog {
	logger := logctx.LoggerFromContext(ctx)

	cat, err := discover(ctx, doer, config.DiscoveryEndpoint(endpoint))
	if err != nil {
		logger.DebugContext(ctx, "database discovery unavailable", "err", err)

		return fallbackCatalog()
	}

	return cat
}

func discover(ctx context.Context, doer Doer, url string) (*Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := doer.Do(ctx, OperationDiscover, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var cat Catalog
	if err := json.NewDecoder(resp.Body).Decode(&cat); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	return &cat, nil
}
