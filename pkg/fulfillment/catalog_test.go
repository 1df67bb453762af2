package fulfillment

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type staticCatalogSource struct {
	identifiers []string
	err         error
}

func (source staticCatalogSource) ProductIdentifiers(context.Context) ([]string, error) {
	return source.identifiers, source.err
}

func TestValidateCatalogReportsDrift(test *testing.T) {
	test.Parallel()
	source := staticCatalogSource{identifiers: []string{"credits_10", "membership", "credits_50"}}
	report, err := ValidateCatalog(context.Background(), mustCatalog(test), source)
	var driftError *CatalogDriftError
	if !errors.As(err, &driftError) || !errors.Is(err, ErrCatalogDrift) {
		test.Fatalf("expected drift error, got %v", err)
	}
	if len(driftError.Missing) != 1 || driftError.Missing[0] != "credits_25" {
		test.Fatalf("unexpected missing list: %v", driftError.Missing)
	}
	if !strings.Contains(err.Error(), "credits_50") {
		test.Fatalf("expected available identifiers in message: %s", err.Error())
	}
	if len(report.Unconfigured) != 1 || report.Unconfigured[0] != "credits_50" {
		test.Fatalf("unexpected unconfigured list: %v", report.Unconfigured)
	}
}

func TestValidateCatalogAcceptsSuperset(test *testing.T) {
	test.Parallel()
	source := staticCatalogSource{identifiers: []string{"credits_10", "credits_25", "membership"}}
	report, err := ValidateCatalog(context.Background(), mustCatalog(test), source)
	if err != nil {
		test.Fatalf("validate: %v", err)
	}
	if len(report.Missing) != 0 || len(report.Available) != 3 {
		test.Fatalf("unexpected report: %+v", report)
	}
}

func TestValidateCatalogSourceFailure(test *testing.T) {
	test.Parallel()
	sourceError := errors.New("backend down")
	if _, err := ValidateCatalog(context.Background(), mustCatalog(test), staticCatalogSource{err: sourceError}); !errors.Is(err, sourceError) {
		test.Fatalf("expected source error, got %v", err)
	}
}
