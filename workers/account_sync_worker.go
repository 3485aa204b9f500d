package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vault-settlement-system/logger"
	"vault-settlement-system/models"
	"vault-settlement-system/store"
)

// syncedWallet is one row of the sync service's wallet feed.
type syncedWallet struct {
	UserID    string    `json:"user_id"`
	Chain     string    `json:"chain"`
	Address   string    `json:"address"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccountSyncClient reads changed user wallets from the sync service.
type AccountSyncClient struct {
	BaseURL      string
	EndpointPath string
	Token        string
	HTTPClient   *http.Client
}

func NewAccountSyncClient(baseURL, endpointPath, token string) (*AccountSyncClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("SYNC_SERVICE_URL is required for account sync")
	}
	if token == "" {
		return nil, fmt.Errorf("SYNC_SERVICE_TOKEN is required for account sync")
	}
	return &AccountSyncClient{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		EndpointPath: endpointPath,
		Token:        token,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// GetChangedAccounts returns the solana wallets changed since since, one per
// user. When the feed lists several wallets for a user the newest wins.
func (c *AccountSyncClient) GetChangedAccounts(ctx context.Context, since time.Time) ([]models.LedgerAccount, error) {
	u, err := url.Parse(c.BaseURL + c.EndpointPath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sync URL: %w", err)
	}
	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call sync service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("sync service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Wallets []syncedWallet `json:"wallets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode sync service response: %w", err)
	}

	latest := make(map[string]syncedWallet, len(response.Wallets))
	order := make([]string, 0, len(response.Wallets))
	for _, w := range response.Wallets {
		if w.UserID == "" || w.Address == "" {
			continue
		}
		if w.Chain != "" && !strings.EqualFold(w.Chain, "solana") {
			continue
		}
		prev, seen := latest[w.UserID]
		if !seen {
			order = append(order, w.UserID)
		}
		if !seen || !w.UpdatedAt.Before(prev.UpdatedAt) {
			latest[w.UserID] = w
		}
	}

	accounts := make([]models.LedgerAccount, 0, len(order))
	for _, userID := range order {
		w := latest[userID]
		updated := w.UpdatedAt
		if updated.IsZero() {
			updated = time.Now().UTC()
		}
		accounts = append(accounts, models.LedgerAccount{
			UserID:    w.UserID,
			Address:   w.Address,
			IsActive:  w.IsActive,
			UpdatedAt: updated.UTC(),
		})
	}
	return accounts, nil
}

// AccountSyncer mirrors the sync service's wallets into ledger_accounts.
type AccountSyncer struct {
	client *AccountSyncClient
	store  *store.VaultStore
	since  time.Time
}

func NewAccountSyncer(client *AccountSyncClient, st *store.VaultStore) *AccountSyncer {
	return &AccountSyncer{client: client, store: st}
}

// SyncOnce pulls one window of changes. The window only advances when the
// upsert succeeds, so a failed batch is fetched again on the next tick.
func (s *AccountSyncer) SyncOnce(ctx context.Context) (int, error) {
	if s.since.IsZero() {
		last, err := s.store.LastAccountSync(ctx)
		if err != nil {
			return 0, err
		}
		if last.IsZero() {
			last = time.Now().UTC().Add(-24 * time.Hour)
		}
		s.since = last
	}

	started := time.Now().UTC()
	accounts, err := s.client.GetChangedAccounts(ctx, s.since)
	if err != nil {
		return 0, err
	}
	if len(accounts) == 0 {
		s.since = started
		return 0, nil
	}
	if err := s.store.UpsertAccounts(ctx, accounts); err != nil {
		return 0, err
	}
	s.since = started
	return len(accounts), nil
}

// Run polls until ctx is cancelled.
func (s *AccountSyncer) Run(ctx context.Context, interval time.Duration) {
	logger.Info("Starting ledger account sync...")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Ledger account sync stopped.")
			return
		case <-ticker.C:
			n, err := s.SyncOnce(ctx)
			if err != nil {
				logger.Errorf("❌ Error syncing ledger accounts since %s: %v", s.since.Format(time.RFC3339), err)
				continue
			}
			if n > 0 {
				logger.Infof("✅ Upserted %d ledger account(s)", n)
			}
		}
	}
}
