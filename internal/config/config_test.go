package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/dicomweb-gateway/internal/query"
	"github.com/otcheredev/dicomweb-gateway/pkg/dimse"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DIMSE_PEERS", "PACS@localhost:4242")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, 4, cfg.DIMSE.MaxAssociations)
	assert.True(t, cfg.QIDO.AppendWildcard)
	assert.Equal(t, time.Hour, cfg.Retention())
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DIMSE_PEERS", "A@a:104/c-move,B@b:11112")
	t.Setenv("DIMSE_MAX_ASSOCIATIONS", "2")
	t.Setenv("DIMSE_FETCH_LEVEL", "series")
	t.Setenv("CACHE_RETENTION_MINUTES", "-1")
	t.Setenv("QIDO_MIN_CHARS", "3")
	t.Setenv("QIDO_APPEND_WILDCARD", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SERVER_READ_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	reg, err := cfg.Registry()
	require.NoError(t, err)

	p := reg.Peers()
	require.Len(t, p, 2)
	assert.Equal(t, dimse.ModeCMove, p[0].Mode)
	assert.Equal(t, dimse.ModeCGet, p[1].Mode)

	opts := reg.Options()
	assert.Equal(t, 2, opts.MaxAssociations)
	assert.Equal(t, query.LevelSeries, opts.FetchLevel)
	assert.Less(t, opts.CacheRetention, time.Duration(0))
	assert.Equal(t, 3, opts.MinSearchChars)
	assert.False(t, opts.AppendWildcard)

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
}

func TestValidateRejects(t *testing.T) {
	t.Setenv("DIMSE_PEERS", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Error(t, cfg.Validate(), "no peers")

	t.Setenv("DIMSE_PEERS", "PACS@localhost:4242")
	t.Setenv("DIMSE_FETCH_LEVEL", "PATIENT")
	cfg, err = Load()
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Validate(), query.ErrInvalidLevel)

	t.Setenv("DIMSE_FETCH_LEVEL", "")
	t.Setenv("CACHE_TYPE", "memcached")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}
