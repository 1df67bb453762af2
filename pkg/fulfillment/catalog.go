package fulfillment

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// CatalogSource lists the product identifiers the commerce backend actually sells.
type CatalogSource interface {
	ProductIdentifiers(ctx context.Context) ([]string, error)
}

// CatalogReport compares the configured catalog with the backend catalog.
type CatalogReport struct {
	Missing      []string
	Unconfigured []string
	Available    []string
}

// CatalogDriftError reports configured products the backend does not sell.
type CatalogDriftError struct {
	Missing   []string
	Available []string
}

// Error lists every missing and available identifier.
func (driftError *CatalogDriftError) Error() string {
	return fmt.Sprintf("%v: configured products %s not offered; backend offers %s",
		ErrCatalogDrift, strings.Join(driftError.Missing, ","), strings.Join(driftError.Available, ","))
}

// Unwrap returns ErrCatalogDrift.
func (driftError *CatalogDriftError) Unwrap() error {
	return ErrCatalogDrift
}

// ValidateCatalog checks every configured product against the backend catalog.
// Configured products the backend does not offer yield a *CatalogDriftError;
// backend products missing from the configuration are only reported.
func ValidateCatalog(ctx context.Context, catalog Catalog, source CatalogSource) (CatalogReport, error) {
	identifiers, err := source.ProductIdentifiers(ctx)
	if err != nil {
		return CatalogReport{}, fmt.Errorf("fetch backend catalog: %w", err)
	}
	available := make(map[string]struct{}, len(identifiers))
	for _, identifier := range identifiers {
		trimmed := strings.TrimSpace(identifier)
		if trimmed != "" {
			available[trimmed] = struct{}{}
		}
	}
	report := CatalogReport{Available: sortedKeys(available)}
	for _, configured := range catalog.ProductIDs() {
		if _, ok := available[configured]; !ok {
			report.Missing = append(report.Missing, configured)
		}
	}
	for _, identifier := range report.Available {
		if _, ok := catalog.rewards[identifier]; !ok {
			report.Unconfigured = append(report.Unconfigured, identifier)
		}
	}
	if len(report.Missing) > 0 {
		return report, &CatalogDriftError{Missing: report.Missing, Available: report.Available}
	}
	return report, nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
