package revenuecat

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const (
	productsPageSize = 100
	maxProductPages  = 50
)

// ProductCatalog lists a project's products through the v2 API. It satisfies
// fulfillment.CatalogSource.
type ProductCatalog struct {
	client    *client
	projectID string
}

// NewProductCatalog builds a catalog source for the secret (v2) API key.
func NewProductCatalog(cfg ClientConfig, projectID string) (*ProductCatalog, error) {
	apiClient, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(projectID) == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrInvalidClientConfig)
	}
	return &ProductCatalog{client: apiClient, projectID: strings.TrimSpace(projectID)}, nil
}

type productsPage struct {
	Items    []productItem `json:"items"`
	NextPage *string       `json:"next_page"`
}

type productItem struct {
	ID              string `json:"id"`
	StoreIdentifier string `json:"store_identifier"`
	Type            string `json:"type"`
}

// ProductIdentifiers returns the sorted, deduplicated store identifiers of
// every product in the project.
func (catalog *ProductCatalog) ProductIdentifiers(ctx context.Context) ([]string, error) {
	path := fmt.Sprintf("/v2/projects/%s/products?limit=%d", url.PathEscape(catalog.projectID), productsPageSize)
	seen := map[string]struct{}{}
	for page := 0; path != ""; page++ {
		if page >= maxProductPages {
			return nil, fmt.Errorf("list products: more than %d pages", maxProductPages)
		}
		var response productsPage
		if err := catalog.client.do(ctx, http.MethodGet, path, nil, &response); err != nil {
			return nil, fmt.Errorf("list products: %w", err)
		}
		for _, item := range response.Items {
			if identifier := strings.TrimSpace(item.StoreIdentifier); identifier != "" {
				seen[identifier] = struct{}{}
			}
		}
		path = ""
		if response.NextPage != nil {
			path = strings.TrimSpace(*response.NextPage)
		}
	}
	identifiers := make([]string, 0, len(seen))
	for identifier := range seen {
		identifiers = append(identifiers, identifier)
	}
	sort.Strings(identifiers)
	return identifiers, nil
}
