package entity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	domain "whale-cluster-engine/internal/domain/entity"
	domain_service "whale-cluster-engine/internal/domain/service"
	"whale-cluster-engine/internal/infrastructure/config"
	"whale-cluster-engine/internal/infrastructure/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntityServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		switch r.URL.Path {
		case "/v1/entities/ethereum/0xdeposit":
			_ = json.NewEncoder(w).Encode(entityResponse{Label: "Binance 7", Tags: []string{" CEX "}})
		case "/v1/entities/ethereum/0xpool":
			_ = json.NewEncoder(w).Encode(entityResponse{Label: "Uniswap V3", CounterpartyType: "AMM"})
		case "/v1/entities/ethereum/0xbroken":
			http.Error(w, "upstream timeout", http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPResolver(t *testing.T) {
	var hits int32
	srv := newEntityServer(t, &hits)
	r := NewHTTPResolver(config.EntityServiceConfig{BaseURL: srv.URL + "/", Timeout: time.Second}, logger.NewNop())
	ctx := context.Background()

	info, err := r.ResolveEntity(ctx, "0xdeposit", "ethereum")
	require.NoError(t, err)
	assert.Equal(t, "Binance 7", info.Label)
	assert.Equal(t, []string{"cex"}, info.Tags)
	assert.Equal(t, domain.CounterpartyNone, info.CounterpartyType)

	info, err = r.ResolveEntity(ctx, "0xpool", "ethereum")
	require.NoError(t, err)
	assert.Equal(t, domain.CounterpartyAMM, info.CounterpartyType)

	info, err = r.ResolveEntity(ctx, "0xunknown", "ethereum")
	require.NoError(t, err)
	assert.True(t, info.IsEmpty())

	_, err = r.ResolveEntity(ctx, "0xbroken", "ethereum")
	assert.ErrorIs(t, err, domain_service.ErrEntityResolutionUnavailable)
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))
}

func TestHTTPResolver_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	r := NewHTTPResolver(config.EntityServiceConfig{BaseURL: base, Timeout: time.Second}, logger.NewNop())
	_, err := r.ResolveEntity(context.Background(), "0xa1", "ethereum")
	assert.ErrorIs(t, err, domain_service.ErrEntityResolutionUnavailable)
}

func TestHTTPResolver_RateLimitHonoursContext(t *testing.T) {
	var hits int32
	srv := newEntityServer(t, &hits)
	r := NewHTTPResolver(config.EntityServiceConfig{BaseURL: srv.URL, RateLimitPerSec: 0.001, Burst: 1}, logger.NewNop())

	_, err := r.ResolveEntity(context.Background(), "0xdeposit", "ethereum")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.ResolveEntity(ctx, "0xdeposit", "ethereum")
	assert.ErrorIs(t, err, domain_service.ErrEntityResolutionUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestStaticResolver(t *testing.T) {
	var hits int32
	srv := newEntityServer(t, &hits)
	fallback := NewHTTPResolver(config.EntityServiceConfig{BaseURL: srv.URL}, logger.NewNop())

	r := NewStaticResolver([]config.StaticEntity{
		{Chain: "Ethereum", Address: "0x28C6c06298d514Db089934071355E5743bf21d60", Label: "Binance 14", Tags: []string{"cex"}},
		{Chain: "ethereum", Address: "not-hex", Label: "ignored"},
	}, fallback)
	ctx := context.Background()

	info, err := r.ResolveEntity(ctx, "0x28c6c06298d514db089934071355e5743bf21d60", "ethereum")
	require.NoError(t, err)
	assert.Equal(t, "Binance 14", info.Label)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))

	info, err = r.ResolveEntity(ctx, "0xpool", "ethereum")
	require.NoError(t, err)
	assert.Equal(t, "Uniswap V3", info.Label)

	info, err = NewStaticResolver(nil, nil).ResolveEntity(ctx, "0xa1", "ethereum")
	require.NoError(t, err)
	assert.True(t, info.IsEmpty())
}
