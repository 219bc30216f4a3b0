package deposits

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pos/internal/catalog"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/httpx"
)

func newTestRouter(f *fixture) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/deposits", NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), f.svc).MountRoutes)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerCreateAndGet(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 2)
	h := newTestRouter(f)

	rr := do(t, h, http.MethodPost, "/api/deposits", `{"customer_name":"Walk-in","items":[{"product_id":1,"quantity":1,"unit_price":"500"}],"initial_payment":{"amount":"100","method":"cash"}}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created Order
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	requireMoney(t, "400", created.BalanceDue)

	rr = do(t, h, http.MethodGet, fmt.Sprintf("/api/deposits/%d", created.ID), "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/deposits?status=active", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"total":1`)
}

func TestHandlerOverpaymentReturnsConflictWithBalance(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 1)
	order := f.create(t, CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "500")}, InitialPayment: cash("200")})
	h := newTestRouter(f)

	rr := do(t, h, http.MethodPost, fmt.Sprintf("/api/deposits/%d/payments", order.ID), `{"amount":"400","method":"card"}`)
	require.Equal(t, http.StatusConflict, rr.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	require.Equal(t, "300.00", problem.Current["balance_due"])
	require.Equal(t, "200.00", problem.Current["amount_paid"])
}

func TestHandlerLifecycleErrors(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 1)
	order := f.create(t, CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "500")}, InitialPayment: cash("499.99")})
	h := newTestRouter(f)
	base := fmt.Sprintf("/api/deposits/%d", order.ID)

	rr := do(t, h, http.MethodPost, base+"/complete", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), `"balance_due":"0.01"`)

	rr = do(t, h, http.MethodPost, base+"/cancel", `{"reason":"changed mind"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"cancelled"`)

	rr = do(t, h, http.MethodPost, base+"/void", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"cancelled"`)

	rr = do(t, h, http.MethodGet, "/api/deposits/abc", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, h, http.MethodGet, "/api/deposits/777", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	rr = do(t, h, http.MethodPost, "/api/deposits", `{"items":[]}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
