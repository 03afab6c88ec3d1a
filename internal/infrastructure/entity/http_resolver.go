package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	domain "whale-cluster-engine/internal/domain/entity"
	domain_service "whale-cluster-engine/internal/domain/service"
	"whale-cluster-engine/internal/infrastructure/config"
	"whale-cluster-engine/internal/infrastructure/logger"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var _ domain_service.EntityResolver = (*HTTPResolver)(nil)

// entityResponse is the entity service payload
type entityResponse struct {
	Label            string   `json:"label"`
	Tags             []string `json:"tags"`
	CounterpartyType string   `json:"counterparty_type"`
}

// HTTPResolver queries the entity/tag service at GET {base}/v1/entities/{chain}/{address}.
// A 404 means the address is unknown; every other failure means the service is unavailable.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *logger.Logger
}

// NewHTTPResolver creates a rate limited entity service client
func NewHTTPResolver(cfg config.EntityServiceConfig, log *logger.Logger) *HTTPResolver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimitPerSec > 0 {
		limit = rate.Limit(cfg.RateLimitPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPResolver{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  log.WithComponent("entity-http-resolver"),
	}
}

// ResolveEntity fetches the entity info of address on chain
func (r *HTTPResolver) ResolveEntity(ctx context.Context, address, chain string) (domain.EntityInfo, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return domain.EntityInfo{}, fmt.Errorf("%w: rate limiter: %v", domain_service.ErrEntityResolutionUnavailable, err)
	}

	endpoint := fmt.Sprintf("%s/v1/entities/%s/%s", r.baseURL, url.PathEscape(chain), url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.EntityInfo{}, fmt.Errorf("%w: %v", domain_service.ErrEntityResolutionUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.EntityInfo{}, fmt.Errorf("%w: %v", domain_service.ErrEntityResolutionUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.EntityInfo{CounterpartyType: domain.CounterpartyNone}, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		r.logger.Debug("Entity service returned error",
			zap.String("chain", chain),
			zap.String("address", address),
			zap.Int("status", resp.StatusCode))
		return domain.EntityInfo{}, fmt.Errorf("%w: status %d: %s",
			domain_service.ErrEntityResolutionUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload entityResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.EntityInfo{}, fmt.Errorf("%w: decode: %v", domain_service.ErrEntityResolutionUnavailable, err)
	}
	return toEntityInfo(payload.Label, payload.Tags, payload.CounterpartyType), nil
}

func toEntityInfo(label string, tags []string, counterpartyType string) domain.EntityInfo {
	info := domain.EntityInfo{
		Label:            strings.TrimSpace(label),
		CounterpartyType: domain.ParseCounterpartyType(counterpartyType),
	}
	for _, t := range tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			info.Tags = append(info.Tags, t)
		}
	}
	return info
}
