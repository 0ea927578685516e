package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/italolelis/geoip_updater/internal/geoiptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover(t *testing.T) {
	srv := geoiptest.New(t, testKey)
	srv.SetCatalog(map[string]any{
		"total": 3,
		"providers": map[string]any{
			"ip2location": map[string]any{
				"count":     1,
				"databases": []map[string]any{{"name": "IP2PROXY-IP-PROXYTYPE-COUNTRY.BIN", "aliases": []string{"proxy"}}},
			},
			"maxmind": map[string]any{
				"count": 2,
				"databases": []map[string]any{
					{"name": "GeoIP2-City.mmdb", "aliases": []string{"city"}},
					{"name": "GeoIP2-Country.mmdb", "aliases": []string{"country"}},
				},
			},
		},
		"examples": map[string]any{
			"single_database":    []string{"city"},
			"multiple_databases": [][]string{{"city", "country"}},
			"bulk_selection":     []string{"maxmind/all"},
		},
	})

	cat := Discover(context.Background(), newDoer(1), srv.Endpoint())
	require.NotNil(t, cat)

	assert.False(t, cat.Fallback)
	assert.Equal(t, 3, cat.Total)
	assert.Equal(t, []string{"maxmind", "ip2location"}, cat.ProviderNames())
	assert.Equal(t, "GeoIP2-City.mmdb", cat.Providers["maxmind"].Databases[0].Name)
	assert.Equal(t, []string{"city"}, cat.Providers["maxmind"].Databases[0].Aliases)
	assert.Equal(t, [][]string{{"city", "country"}}, cat.Examples.MultipleDatabases)
}

func TestDiscover_FallbackOnNotFound(t *testing.T) {
	srv := geoiptest.New(t, testKey)

	cat := Discover(context.Background(), newDoer(1), srv.Endpoint())

	assert.True(t, cat.Fallback)
	assert.Equal(t, len(FallbackDatabases), cat.Total)
	assert.Len(t, FallbackDatabases, 7)
}

func TestDiscover_FallbackOnMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>nope</html>"))
	}))
	defer srv.Close()

	cat := Discover(context.Background(), newDoer(1), srv.URL+"/auth")
	assert.True(t, cat.Fallback)
}

func TestDiscover_FallbackOnUnreachable(t *testing.T) {
	cat := Discover(context.Background(), newDoer(1), "http://127.0.0.1:1/auth")
	assert.True(t, cat.Fallback)
}

func TestCatalog_ProviderNamesUnknownSorted(t *testing.T) {
	cat := &Catalog{Providers: map[string]Provider{"zeta": {}, "maxmind": {}, "alpha": {}}}

	assert.Equal(t, []string{"maxmind", "alpha", "zeta"}, cat.ProviderNames())
}
