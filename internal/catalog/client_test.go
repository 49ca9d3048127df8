package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fashion-similarity/internal/embedding"
)

func newCatalogServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/products", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		page := r.URL.Query().Get("page")
		switch page {
		case "1":
			fmt.Fprint(w, `{"data":[{"id":1,"image_url":"/img/1.png"},{"id":2,"image_url":"/img/2.png"}],
				"links":{"first":"x","last":"y"},
				"meta":{"current_page":1,"last_page":2,"per_page":2,"total":3}}`)
		case "2":
			fmt.Fprint(w, `{"data":[{"id":3,"image_url":"/img/3.png"}],
				"meta":{"current_page":2,"last_page":2,"per_page":2,"total":3}}`)
		default:
			fmt.Fprint(w, `{"data":[],"meta":{"current_page":3,"last_page":2,"per_page":2,"total":3}}`)
		}
	})
	mux.HandleFunc("/api/products/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"id":1,"image_url":"/img/1.png"}}`)
	})
	mux.HandleFunc("/api/products/2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":2,"image_url":"/img/missing.png"}`)
	})
	mux.HandleFunc("/api/products/5", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("/img/1.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png-bytes"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Products(t *testing.T) {
	srv := newCatalogServer(t)
	c := NewClient(Config{BaseURL: srv.URL + "/", Token: "secret"})

	page, err := c.Products(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, page.LastPage)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, []Product{{ID: 1, ImageURL: "/img/1.png"}, {ID: 2, ImageURL: "/img/2.png"}}, page.Products)

	_, err = NewClient(Config{BaseURL: srv.URL}).Products(context.Background(), 1, 2)
	assert.ErrorIs(t, err, embedding.ErrFetch)
}

func TestClient_PageImplementsPageSource(t *testing.T) {
	srv := newCatalogServer(t)
	var src embedding.PageSource = NewClient(Config{BaseURL: srv.URL, Token: "secret"})

	p, err := src.Page(context.Background(), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, p.ProductIDs)
	assert.Equal(t, 2, p.LastPage)
}

func TestClient_ProductUnwrapsData(t *testing.T) {
	srv := newCatalogServer(t)
	c := NewClient(Config{BaseURL: srv.URL})

	p, err := c.Product(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, &Product{ID: 1, ImageURL: "/img/1.png"}, p)

	p, err = c.Product(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.ID)
}

func TestClient_FetchImage(t *testing.T) {
	srv := newCatalogServer(t)
	c := NewClient(Config{BaseURL: srv.URL})
	ctx := context.Background()

	data, used, err := c.FetchImage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
	assert.Equal(t, srv.URL+"/img/1.png", used)

	_, _, err = c.FetchImage(ctx, 2)
	assert.ErrorIs(t, err, embedding.ErrFetch, "image 404")
	assert.NotErrorIs(t, err, embedding.ErrNotFound, "image 404")
	assert.Equal(t, embedding.StatusFetchError, embedding.StatusOf(err))

	_, _, err = c.FetchImage(ctx, 404)
	assert.ErrorIs(t, err, embedding.ErrNotFound, "product 404")

	_, _, err = c.FetchImage(ctx, 5)
	assert.ErrorIs(t, err, embedding.ErrFetch)
}

func TestClient_ImageSizeLimit(t *testing.T) {
	srv := newCatalogServer(t)
	c := NewClient(Config{BaseURL: srv.URL, MaxImageBytes: 4})

	_, err := c.FetchImageURL(context.Background(), srv.URL+"/img/1.png")
	assert.ErrorIs(t, err, embedding.ErrFetch)
}
