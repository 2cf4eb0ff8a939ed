package auth

import (
	"context"
	"time"

	"github.com/user/ucr/internal/models"
	"go.uber.org/zap"
)

const refreshTimeout = 15 * time.Second

// RefreshingSource is the credential source handed to the config loader.
// An OAuth credential inside the refresh window is exchanged for a fresh
// one (and re-persisted) before it is substituted into the snapshot; on
// refresh failure the stored token is returned as-is so a transient
// token-endpoint outage does not take the provider down.
type RefreshingSource struct {
	store  *Store
	flow   *OAuthFlow
	logger *zap.Logger
}

// NewRefreshingSource wires the store and flow together.
func NewRefreshingSource(store *Store, flow *OAuthFlow, logger *zap.Logger) *RefreshingSource {
	return &RefreshingSource{store: store, flow: flow, logger: logger}
}

// Get resolves the credential for providerID, refreshing it first when
// it is about to expire.
func (s *RefreshingSource) Get(providerID string) (*models.Credential, bool) {
	cred, ok := s.store.Get(providerID)
	if !ok {
		return nil, false
	}
	if cred.Kind != models.AuthOAuth || !s.flow.NeedsRefresh(providerID) {
		return cred, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	refreshed, err := s.flow.Refresh(ctx, providerID)
	if err != nil {
		s.logger.Warn("credential refresh failed, using stored token",
			zap.String("provider", providerID),
			zap.Error(err))
		return cred, true
	}
	return refreshed, true
}
