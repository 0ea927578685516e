package config

import "strings"

const productionHost = "geoipdb.net"

// NormalizeEndpoint strips trailing whitespace and slashes and appends /auth
// to the bare production host. Any other endpoint passes through so tests and
// self-hosted deployments can point anywhere. It is idempotent.
func NormalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/ \t\n\r")

	if endpoint == "https://"+productionHost || endpoint == "http://"+productionHost {
		return endpoint + "/auth"
	}

	return endpoint
}

// DiscoveryEndpoint returns the database discovery URL that sits next to the
// authentication endpoint.
func DiscoveryEndpoint(endpoint string) string {
	return strings.Replace(endpoint, "/auth", "/databases", 1)
}
