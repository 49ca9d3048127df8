package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fashion-similarity/internal/embedding"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	// MaxImageBytes caps a downloaded image. Zero means 20 MiB.
	MaxImageBytes int64
}

type Product struct {
	ID       int64  `json:"id"`
	ImageURL string `json:"image_url"`
}

type ProductPage struct {
	Products    []Product
	CurrentPage int
	LastPage    int
	PerPage     int
	Total       int
}

// Client reads products and their images from the catalog API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 20 << 20
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Products fetches one page of the product listing. perPage is a hint; the
// catalog decides the actual page size.
func (c *Client) Products(ctx context.Context, page, perPage int) (*ProductPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if perPage > 0 {
		q.Set("per_page", strconv.Itoa(perPage))
	}
	raw, err := c.get(ctx, c.cfg.BaseURL+"/api/products?"+q.Encode(), true, 0)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Data []Product `json:"data"`
		Meta struct {
			CurrentPage int `json:"current_page"`
			LastPage    int `json:"last_page"`
			PerPage     int `json:"per_page"`
			Total       int `json:"total"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: parse product page %d: %v", embedding.ErrFetch, page, err)
	}
	return &ProductPage{
		Products:    parsed.Data,
		CurrentPage: parsed.Meta.CurrentPage,
		LastPage:    parsed.Meta.LastPage,
		PerPage:     parsed.Meta.PerPage,
		Total:       parsed.Meta.Total,
	}, nil
}

// Product fetches a single product. The body may be the product itself or
// wrapped in a "data" object.
func (c *Client) Product(ctx context.Context, id int64) (*Product, error) {
	raw, err := c.get(ctx, fmt.Sprintf("%s/api/products/%d", c.cfg.BaseURL, id), true, 0)
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		Data *Product `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Data != nil {
		return wrapped.Data, nil
	}
	var p Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: parse product %d: %v", embedding.ErrFetch, id, err)
	}
	return &p, nil
}

// FetchImage downloads the current image of a product and returns it with
// the URL it was read from.
func (c *Client) FetchImage(ctx context.Context, id int64) ([]byte, string, error) {
	p, err := c.Product(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if p.ImageURL == "" {
		return nil, "", fmt.Errorf("%w: product %d has no image", embedding.ErrFetch, id)
	}
	imageURL := c.resolve(p.ImageURL)
	data, err := c.FetchImageURL(ctx, imageURL)
	if err != nil {
		return nil, "", err
	}
	return data, imageURL, nil
}

func (c *Client) FetchImageURL(ctx context.Context, imageURL string) ([]byte, error) {
	return c.get(ctx, imageURL, false, c.cfg.MaxImageBytes)
}

// Page adapts the listing to batch generation.
func (c *Client) Page(ctx context.Context, number, size int) (embedding.Page, error) {
	p, err := c.Products(ctx, number, size)
	if err != nil {
		return embedding.Page{}, err
	}
	ids := make([]int64, 0, len(p.Products))
	for _, prod := range p.Products {
		ids = append(ids, prod.ID)
	}
	return embedding.Page{Number: number, LastPage: p.LastPage, ProductIDs: ids}, nil
}

func (c *Client) resolve(ref string) string {
	if strings.HasPrefix(ref, "/") && c.cfg.BaseURL != "" {
		return c.cfg.BaseURL + ref
	}
	return ref
}

func (c *Client) get(ctx context.Context, target string, api bool, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", embedding.ErrFetch, err)
	}
	if api {
		req.Header.Set("Accept", "application/json")
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", embedding.ErrFetch, err)
	}
	defer resp.Body.Close()

	// A missing product is not_found; a missing image is a fetch failure.
	if resp.StatusCode == http.StatusNotFound && api {
		return nil, fmt.Errorf("%w: %s", embedding.ErrNotFound, target)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned status %d", embedding.ErrFetch, target, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", embedding.ErrFetch, target, err)
	}
	if limit > 0 && int64(len(raw)) > limit {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", embedding.ErrFetch, target, limit)
	}
	return raw, nil
}
