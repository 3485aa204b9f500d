package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-settlement-system/amounts"
	"vault-settlement-system/handlers"
	"vault-settlement-system/ledger"
	"vault-settlement-system/ledger/ledgertest"
	"vault-settlement-system/middleware"
	"vault-settlement-system/models"
	"vault-settlement-system/services"
	"vault-settlement-system/store"
	"vault-settlement-system/store/storetest"
)

const (
	gatewayToken   = "gw-secret"
	providerAPIKey = "provider-key"
	usdcMint       = "MintUSDC"
	vaultMaster    = "VaultMaster"
	userWallet     = "UserWallet"
)

type testAPI struct {
	app   *fiber.App
	store *store.VaultStore
	fake  *ledgertest.Fake
	plan  models.VaultPlan
}

func newAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()
	st := store.NewVaultStore(storetest.NewDB(t))
	plans := services.DefaultPlans()
	_, err := st.SeedPlans(ctx, plans)
	require.NoError(t, err)
	require.NoError(t, st.UpsertAccounts(ctx, []models.LedgerAccount{{UserID: "u1", Address: userWallet, IsActive: true}}))

	fake := ledgertest.NewFake()
	signer := ledgertest.Signer{Addr: vaultMaster}
	settlement := services.NewSettlementService(st, fake, services.SettlementConfig{
		FeeRate: decimal.RequireFromString("0.01"),
		Assets:  amounts.DefaultRegistry(map[string]string{"USDC": usdcMint}),
		Custody: map[string]services.Custody{"USDC": {ReceivingAddress: vaultMaster, Signer: signer}},
	})
	queries := services.NewVaultQueryService(st)

	app := fiber.New()
	handlers.SetupHealthRoutes(app, map[string]handlers.HealthCheck{
		"db": func(context.Context) error { return nil },
	})
	handlers.SetupWebhookRoutes(app, queries, providerAPIKey)
	app.Use(middleware.GatewayAuthMiddleware(gatewayToken))
	secured := handlers.SecuredGroup(app)
	handlers.SetupVaultRoutes(app, secured, settlement, queries)
	handlers.SetupTransactionRoutes(secured, queries)

	return &testAPI{app: app, store: st, fake: fake, plan: plans[1]}
}

func (a *testAPI) do(t *testing.T, method, path, user string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+gatewayToken)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := a.app.Test(req, int((5 * time.Second).Milliseconds()))
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func (a *testAPI) addDepositTx(sig string, units uint64) {
	a.fake.AddTransaction(&ledger.Transaction{
		Signature: sig,
		Instructions: []ledger.Instruction{
			ledger.TokenTransfer{
				Source:      ledgertest.SubAccount(userWallet, usdcMint),
				Destination: ledgertest.SubAccount(vaultMaster, usdcMint),
				Mint:        usdcMint,
				Amount:      units,
			},
		},
	})
}

func TestDepositAndWithdrawOverHTTP(t *testing.T) {
	api := newAPI(t)
	api.addDepositTx("dep-1", 100_500_000)

	status, body := api.do(t, http.MethodPost, "/s/vaults/deposit", "u1", map[string]interface{}{
		"token": "USDC", "amount": "100", "vault_plan_id": api.plan.ID, "tx_hash": "dep-1",
	})
	require.Equal(t, http.StatusCreated, status, body)
	deposit := body["deposit"].(map[string]interface{})
	assert.Equal(t, vaultMaster, deposit["vault_address"])
	assert.Equal(t, "Growth saving", deposit["plan_name"])

	status, body = api.do(t, http.MethodGet, "/s/vaults/withdraw-options", "u1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["options"], 1)

	status, body = api.do(t, http.MethodPost, "/s/vaults/withdraw", "u1", map[string]interface{}{
		"vault_plan_id": api.plan.ID, "token": "USDC", "amount": 40, "wallet_address": "PayoutWallet",
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "payout-sig-1", body["tx_hash"])
	assert.Equal(t, "0.4", body["fee"])
	assert.Equal(t, "39.6", body["total"])

	status, body = api.do(t, http.MethodGet, "/s/transactions", "u1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["transactions"], 2)
}

func TestErrorBodies(t *testing.T) {
	api := newAPI(t)

	status, body := api.do(t, http.MethodPost, "/s/vaults/deposit", "u1", map[string]interface{}{
		"token": "USDC", "amount": "100", "vault_plan_id": api.plan.ID, "tx_hash": "unknown",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "TX_NOT_FOUND", body["code"])

	status, body = api.do(t, http.MethodPost, "/s/vaults/deposit", "u1", map[string]interface{}{
		"token": "USDC", "amount": "100",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", body["code"])
	assert.Contains(t, body["error"], "VaultPlanID is required")

	status, body = api.do(t, http.MethodPost, "/s/vaults/withdraw", "u1", map[string]interface{}{
		"vault_plan_id": api.plan.ID, "token": "USDC", "amount": "10", "wallet_address": "PayoutWallet",
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "VAULT_NOT_FOUND", body["code"])

	status, _ = api.do(t, http.MethodGet, "/s/transactions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestPaymentFailureIsBadGateway(t *testing.T) {
	api := newAPI(t)
	api.addDepositTx("dep-1", 100_000_000)
	status, _ := api.do(t, http.MethodPost, "/s/vaults/deposit", "u1", map[string]interface{}{
		"token": "USDC", "amount": "100", "vault_plan_id": api.plan.ID, "tx_hash": "dep-1",
	})
	require.Equal(t, http.StatusCreated, status)

	api.fake.BroadcastErr = errors.New("node is behind")
	status, body := api.do(t, http.MethodPost, "/s/vaults/withdraw", "u1", map[string]interface{}{
		"vault_plan_id": api.plan.ID, "token": "USDC", "amount": "10", "wallet_address": "PayoutWallet",
	})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "PAYOUT_NOT_SENT", body["code"])
	assert.Equal(t, true, body["retryable"])
}

func TestReportingRoutes(t *testing.T) {
	api := newAPI(t)
	api.addDepositTx("dep-1", 100_000_000)
	status, _ := api.do(t, http.MethodPost, "/s/vaults/deposit", "u1", map[string]interface{}{
		"token": "USDC", "amount": "100", "vault_plan_id": api.plan.ID, "tx_hash": "dep-1",
	})
	require.Equal(t, http.StatusCreated, status)

	for _, path := range []string{
		"/vaults/plans",
		"/vaults/token/usdc",
		"/vaults/user/u1",
		"/vaults/user/u1/details",
		"/vaults/transactions/" + vaultMaster,
		"/vaults/" + vaultMaster,
	} {
		status, _ := api.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, status, path)
	}

	status, body := api.do(t, http.MethodGet, "/vaults/rewards/"+vaultMaster, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "0", body["total_reward"])

	status, body = api.do(t, http.MethodGet, "/vaults/Nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "VAULT_NOT_FOUND", body["code"])
}

func TestProviderWebhook(t *testing.T) {
	api := newAPI(t)
	pending := &models.Transaction{
		TxHash: models.PendingTxHashPrefix + "ramp-1",
		Type:   models.TransactionOfframp,
		Status: models.StatusPending,
		Token:  "USDC",
		UserID: "u1",
	}
	require.NoError(t, api.store.RecordTransaction(context.Background(), pending))

	post := func(body map[string]interface{}) (int, map[string]interface{}) {
		raw, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/webhook/provider", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		resp, err := api.app.Test(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		out := map[string]interface{}{}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp.StatusCode, out
	}

	status, _ := post(map[string]interface{}{"tx_id": pending.ID, "status": "confirmed", "api_key": "wrong"})
	assert.Equal(t, http.StatusForbidden, status)

	status, body := post(map[string]interface{}{"tx_id": pending.ID, "status": "done", "api_key": providerAPIKey})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", body["code"])

	status, body = post(map[string]interface{}{
		"tx_id": pending.ID, "status": "confirmed", "provider_tx_hash": "prov-1", "amount": "12.5", "currency": "usdc", "api_key": providerAPIKey,
	})
	require.Equal(t, http.StatusOK, status, body)
	tx := body["transaction"].(map[string]interface{})
	assert.Equal(t, "prov-1", tx["tx_hash"])
	assert.Equal(t, "confirmed", tx["status"])

	status, body = post(map[string]interface{}{"tx_id": pending.ID, "status": "failed", "api_key": providerAPIKey})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "TRANSACTION_NOT_PENDING", body["code"])
}

func TestHealthzSkipsGateway(t *testing.T) {
	api := newAPI(t)
	resp, err := api.app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
