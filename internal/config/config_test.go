package config

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperatorKeys(t *testing.T) {
	keys := parseOperatorKeys("alice:Admin:$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA, bad-entry ,bob:operator:$argon2id$x")
	require.Len(t, keys, 2)
	assert.Equal(t, OperatorKey{Name: "alice", Role: "admin", Hash: "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA"}, keys[0])
	assert.Equal(t, "bob", keys[1].Name)
}

func TestParsePrefixes(t *testing.T) {
	prefixes := parsePrefixes([]string{"10.0.0.0/8", "127.0.0.1", "not-an-ip", "192.168.1.7/24"})
	require.Len(t, prefixes, 3)
	assert.True(t, prefixes[0].Contains(netip.MustParseAddr("10.2.3.4")))
	assert.True(t, prefixes[1].Contains(netip.MustParseAddr("127.0.0.1")))
	assert.Equal(t, "192.168.1.0/24", prefixes[2].String())
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("USAGE_UNIT_COST", "")
	t.Setenv("PROVIDER_TIMEOUT", "bogus")
	t.Setenv("APP_MODE", "cloud")

	cfg := Load()
	assert.Equal(t, int64(10), cfg.Quota.UnitCost)
	assert.Equal(t, int64(5), cfg.Quota.FreeLifetimeLimit)
	assert.Equal(t, int64(2000), cfg.Quota.GlobalDailyLimit)
	assert.Equal(t, 24*time.Hour, cfg.Quota.ResultCacheTTL)
	assert.Equal(t, 8*time.Second, cfg.Provider.Timeout)
	assert.True(t, cfg.IsCloud())
}
