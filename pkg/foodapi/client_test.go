package foodapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/internal/model"
)

func testConfig(baseURL string) config.FoodAPIConfig {
	cfg := config.Default().FoodAPI
	cfg.BaseURL = baseURL
	cfg.RPS = 1000
	cfg.Burst = 10
	cfg.Timeout = 2 * time.Second
	return cfg
}

func decodeProduct(t *testing.T, raw string) Product {
	var p Product
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return p
}

func TestNormalize_Per100g(t *testing.T) {
	p := decodeProduct(t, `{"code":"3017620422003","product_name":"Hazelnut spread","url":"https://off/p/1",
		"nutriments":{"energy-kcal_100g":539,"proteins_100g":"6.3","carbohydrates_100g":57.5,"fat_100g":30.9,"sugars_100g":56.3}}`)
	rec, err := Normalize(p)
	require.NoError(t, err)
	assert.Equal(t, "off:3017620422003", rec.Identity)
	assert.Equal(t, model.MacroSet{Calories: 539, Protein: 6.3, Carbs: 57.5, Fat: 30.9}, rec.Per100g)
	assert.Equal(t, 56.3, rec.Sugar)

	fact := rec.Fact()
	assert.Equal(t, "hazelnut spread", fact.NameKey)
	assert.Equal(t, "Hazelnut spread — 539 kcal/100g, 6.3 g protein/100g, 57.5 g carbs/100g, 30.9 g fat/100g", fact.FactText)
}

func TestNormalize_KilojoulesAndServing(t *testing.T) {
	p := decodeProduct(t, `{"product_name":"Oat bar","serving_quantity":"40",
		"nutriments":{"energy_100g":1674,"proteins_serving":4,"carbohydrates_serving":24,"fat_serving":6}}`)
	rec, err := Normalize(p)
	require.NoError(t, err)
	assert.InDelta(t, 400.1, rec.Per100g.Calories, 0.05)
	assert.Equal(t, 10.0, rec.Per100g.Protein)
	assert.Equal(t, 60.0, rec.Per100g.Carbs)
	assert.Equal(t, 15.0, rec.Per100g.Fat)
	assert.Equal(t, "off:name:oat bar", rec.Identity)
}

func TestNormalize_Rejects(t *testing.T) {
	cases := map[string]string{
		"missing fat": `{"product_name":"x","nutriments":{"energy-kcal_100g":1,"proteins_100g":1,"carbohydrates_100g":1}}`,
		"negative":    `{"product_name":"x","nutriments":{"energy-kcal_100g":-1,"proteins_100g":1,"carbohydrates_100g":1,"fat_100g":1}}`,
		"no name":     `{"nutriments":{"energy-kcal_100g":1,"proteins_100g":1,"carbohydrates_100g":1,"fat_100g":1}}`,
		"garbage":     `{"product_name":"x","nutriments":{"energy-kcal_100g":"n/a","proteins_100g":1,"carbohydrates_100g":1,"fat_100g":1}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize(decodeProduct(t, raw))
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestClient_SearchSkipsUnusableProducts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cgi/search.pl", r.URL.Path)
		assert.Equal(t, "greek yogurt", r.URL.Query().Get("search_terms"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		fmt.Fprint(w, `{"products":[
			{"code":"1","product_name":"Broken","nutriments":{}},
			{"code":"2","product_name":"Greek yogurt","nutriments":{"energy-kcal_100g":59,"proteins_100g":10,"carbohydrates_100g":3.6,"fat_100g":0.4}}]}`)
	}))
	defer srv.Close()

	rec, err := NewClient(testConfig(srv.URL)).SearchByName(context.Background(), "greek yogurt")
	require.NoError(t, err)
	assert.Equal(t, "off:2", rec.Identity)
}

func TestClient_SearchNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"products":[]}`)
	}))
	defer srv.Close()
	_, err := NewClient(testConfig(srv.URL)).SearchByName(context.Background(), "unobtainium")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"status":1,"product":{"product_name":"Tuna","nutriments":{"energy-kcal_100g":132,"proteins_100g":28,"carbohydrates_100g":0,"fat_100g":1}}}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 2
	rec, err := NewClient(cfg).LookupBarcode(context.Background(), "555")
	require.NoError(t, err)
	assert.Equal(t, "off:555", rec.Identity)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestClient_BarcodeNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":0}`)
	}))
	defer srv.Close()
	_, err := NewClient(testConfig(srv.URL)).LookupBarcode(context.Background(), "000")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestClient_RateLimited(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"products":[]}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RPS = 5
	cfg.Burst = 1
	c := NewClient(cfg)
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, _ = c.SearchByName(context.Background(), "x")
	}
	// 突发为 1、速率 5/s 时第 3 次请求至少等待约 400ms
	assert.GreaterOrEqual(t, time.Since(start), 350*time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}
