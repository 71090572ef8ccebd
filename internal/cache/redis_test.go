package cache

import (
	"context"
	"testing"
	"time"

	"example.com/backoffice/config"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCacheKeys(t *testing.T) {
	id := uuid.New()
	require.Equal(t, "tenant:"+id.String(), TenantCacheKey(id))
	require.Equal(t, "tenant:alias:acme-invoices", TenantAliasCacheKey("acme-invoices"))
}

func TestDisabledCacheMissesAndRejectsWrites(t *testing.T) {
	c, err := NewRedisCache(config.RedisConfig{Enabled: false})
	require.NoError(t, err)

	var out string
	require.Error(t, c.Get(context.Background(), TenantAliasCacheKey("acme-invoices"), &out))
	require.Error(t, c.Set(context.Background(), TenantAliasCacheKey("acme-invoices"), "v", time.Minute))
	require.NoError(t, c.Close())
}
