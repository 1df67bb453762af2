// Package googleplay lists the in-app products published on Google Play so the
// configured reward catalog can be checked against the store at startup.
package googleplay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

const (
	productStatusActive = "active"
	maxProductPages     = 50
)

// ErrInvalidConfig marks a catalog source that cannot be constructed.
var ErrInvalidConfig = errors.New("invalid google play config")

// ProductCatalog satisfies fulfillment.CatalogSource for one Android package.
type ProductCatalog struct {
	service      *androidpublisher.Service
	packageName  string
	includeDraft bool
}

// Option configures a ProductCatalog.
type Option func(*ProductCatalog)

// WithInactiveProducts also reports products that are not active yet.
func WithInactiveProducts() Option {
	return func(catalog *ProductCatalog) {
		catalog.includeDraft = true
	}
}

// NewProductCatalog builds the source. clientOptions carry credentials, for
// example option.WithCredentialsFile for a service account.
func NewProductCatalog(ctx context.Context, packageName string, clientOptions []option.ClientOption, options ...Option) (*ProductCatalog, error) {
	trimmed := strings.TrimSpace(packageName)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: package name is required", ErrInvalidConfig)
	}
	service, err := androidpublisher.NewService(ctx, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("android publisher client: %w", err)
	}
	catalog := &ProductCatalog{service: service, packageName: trimmed}
	for _, configure := range options {
		if configure != nil {
			configure(catalog)
		}
	}
	return catalog, nil
}

// ProductIdentifiers returns the sorted SKUs of the package's in-app products.
func (catalog *ProductCatalog) ProductIdentifiers(ctx context.Context) ([]string, error) {
	skus := make([]string, 0)
	pageToken := ""
	for page := 0; ; page++ {
		if page >= maxProductPages {
			return nil, fmt.Errorf("list in-app products: more than %d pages", maxProductPages)
		}
		call := catalog.service.Inappproducts.List(catalog.packageName).Context(ctx)
		if pageToken != "" {
			call = call.Token(pageToken)
		}
		response, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list in-app products for %s: %w", catalog.packageName, err)
		}
		for _, product := range response.Inappproduct {
			if product == nil || strings.TrimSpace(product.Sku) == "" {
				continue
			}
			if !catalog.includeDraft && product.Status != productStatusActive {
				continue
			}
			skus = append(skus, strings.TrimSpace(product.Sku))
		}
		if response.TokenPagination == nil || response.TokenPagination.NextPageToken == "" {
			break
		}
		pageToken = response.TokenPagination.NextPageToken
	}
	sort.Strings(skus)
	return skus, nil
}
