package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/duchieu205/bookworld/gateway"
	"github.com/duchieu205/bookworld/pkg/config"
	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/duchieu205/bookworld/pkg/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Driver = config.StorageMemory
	cfg.Payment.HashSecret = "APPSECRET"
	cfg.Payment.TmnCode = "TMN"
	return cfg
}

func seedVariant(t *testing.T, a *App, qty int64) *models.Variant {
	t.Helper()
	v := &models.Variant{
		ProductID: primitive.NewObjectID(),
		SKU:       "NOVEL-PB",
		Price:     80000,
		Quantity:  qty,
		Status:    models.VariantActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, a.Stores.Variants.Create(context.Background(), v))
	return v
}

func TestNewMemory(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(), zap.NewNop())
	require.NoError(t, err)

	require.NotNil(t, a.Coordinator)
	require.NotNil(t, a.Machine)
	require.NotNil(t, a.Wallet)
	require.NotNil(t, a.Sweeper)
	assert.NoError(t, a.Ping(ctx))
	assert.NoError(t, a.Close(ctx))
}

func TestNewUnknownDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Driver = "sqlite"
	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

// TestCheckoutThroughHTTP drives a COD order from the HTTP API to a
// customer cancel and checks the stock comes back.
func TestCheckoutThroughHTTP(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	a := NewWithStores(cfg, MemoryStores(), zap.NewNop())
	variant := seedVariant(t, a, 5)

	gw := gateway.NewGateway(cfg, zap.NewNop(), gateway.Services{
		Checkout: a.Coordinator,
		Orders:   a.Machine,
		Wallets:  a.Wallet,
		Ping:     a.Ping,
	})
	user := primitive.NewObjectID()

	send := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-ID", user.Hex())
		w := httptest.NewRecorder()
		gw.Handler().ServeHTTP(w, req)
		return w
	}

	w := send(http.MethodPost, "/api/v1/checkout/cod", map[string]any{
		"items": []map[string]any{{
			"product_id": variant.ProductID.Hex(),
			"variant_id": variant.ID.Hex(),
			"quantity":   2,
		}},
		"shipping_address": map[string]string{"name": "Nguyen Van A", "phone": "0900000000", "address": "1 Le Loi"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Order models.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, models.StatusPending, created.Order.Status)
	assert.Equal(t, 2*variant.Price+cfg.Checkout.ShippingFee, created.Order.Total)

	left, err := a.Stores.Variants.GetByID(ctx, variant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), left.Quantity)

	w = send(http.MethodPost, "/api/v1/orders/"+created.Order.ID.Hex()+"/cancel", map[string]string{"reason": "changed my mind"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	left, err = a.Stores.Variants.GetByID(ctx, variant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), left.Quantity)

	report, err := a.Sweeper.Run(ctx, reconcile.SweepOrderEffects)
	require.NoError(t, err)
	assert.Zero(t, report.Failed)
}
