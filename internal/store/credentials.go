package store

import (
	"context"
	"os"
	"strings"
)

// EnvPrefix starts every per-tenant credential variable.
const EnvPrefix = "CORTEX_RAG_"

// EnvCredentials resolves per-tenant provider keys from the environment,
// then from a static tenant → vendor → key table (usually the config file).
// A variable is named CORTEX_RAG_<TENANT>_<VENDOR>_KEY, upper-cased, with
// every other character replaced by an underscore.
type EnvCredentials struct {
	static map[string]map[string]string
	lookup func(string) (string, bool)
}

// NewEnvCredentials creates a resolver over static, which may be nil.
func NewEnvCredentials(static map[string]map[string]string) *EnvCredentials {
	norm := make(map[string]map[string]string, len(static))
	for tenant, keys := range static {
		m := make(map[string]string, len(keys))
		for vendor, key := range keys {
			m[strings.ToLower(vendor)] = key
		}
		norm[strings.ToLower(tenant)] = m
	}
	return &EnvCredentials{static: norm, lookup: os.LookupEnv}
}

// Resolve implements engine.CredentialStore.
func (c *EnvCredentials) Resolve(_ context.Context, tenantID, vendor string) (string, bool) {
	if tenantID == "" || vendor == "" {
		return "", false
	}
	if key, ok := c.lookup(CredentialEnvVar(tenantID, vendor)); ok && key != "" {
		return key, true
	}
	if key := c.static[strings.ToLower(tenantID)][strings.ToLower(vendor)]; key != "" {
		return key, true
	}
	return "", false
}

// CredentialEnvVar returns the variable holding tenantID's key for vendor.
func CredentialEnvVar(tenantID, vendor string) string {
	return EnvPrefix + envToken(tenantID) + "_" + envToken(vendor) + "_KEY"
}

func envToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}
