package googleplay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/beanstalker/fulfillment/pkg/fulfillment"
	"google.golang.org/api/option"
)

const testPackage = "com.beanstalker.app"

func newPlayServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if !strings.HasSuffix(request.URL.Path, "/applications/"+testPackage+"/inappproducts") {
			writer.WriteHeader(http.StatusNotFound)
			_, _ = writer.Write([]byte(`{"error":{"code":404,"message":"package not found"}}`))
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		if request.URL.Query().Get("token") == "" {
			_, _ = writer.Write([]byte(`{"inappproduct":[
				{"sku":"credits_25","status":"active"},
				{"sku":"credits_draft","status":"inactive"}],
				"tokenPagination":{"nextPageToken":"page2"}}`))
			return
		}
		_, _ = writer.Write([]byte(`{"inappproduct":[{"sku":"membership","status":"active"},{"sku":"credits_10","status":"active"}]}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestCatalog(t *testing.T, server *httptest.Server, packageName string, options ...Option) *ProductCatalog {
	t.Helper()
	catalog, err := NewProductCatalog(context.Background(), packageName, []option.ClientOption{
		option.WithEndpoint(server.URL + "/"),
		option.WithHTTPClient(server.Client()),
		option.WithoutAuthentication(),
	}, options...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return catalog
}

func TestProductIdentifiersFollowsPagination(t *testing.T) {
	server := newPlayServer(t)
	identifiers, err := newTestCatalog(t, server, testPackage).ProductIdentifiers(context.Background())
	if err != nil {
		t.Fatalf("identifiers: %v", err)
	}
	if strings.Join(identifiers, ",") != "credits_10,credits_25,membership" {
		t.Fatalf("unexpected identifiers %v", identifiers)
	}

	withDrafts, err := newTestCatalog(t, server, testPackage, WithInactiveProducts()).ProductIdentifiers(context.Background())
	if err != nil {
		t.Fatalf("identifiers with drafts: %v", err)
	}
	if strings.Join(withDrafts, ",") != "credits_10,credits_25,credits_draft,membership" {
		t.Fatalf("unexpected identifiers with drafts %v", withDrafts)
	}
}

func TestProductIdentifiersPropagatesAPIErrors(t *testing.T) {
	server := newPlayServer(t)
	if _, err := newTestCatalog(t, server, "com.unknown").ProductIdentifiers(context.Background()); err == nil {
		t.Fatalf("expected an error for an unknown package")
	}
}

func TestValidateCatalogAgainstPlay(t *testing.T) {
	server := newPlayServer(t)
	rewards := map[fulfillment.ProductID]fulfillment.Reward{}
	for _, raw := range []string{"credits_10", "credits_25"} {
		productID, _ := fulfillment.NewProductID(raw)
		rewards[productID], _ = fulfillment.NewReward(1000, false)
	}
	configured, err := fulfillment.NewCatalog(rewards)
	if err != nil {
		t.Fatalf("configured catalog: %v", err)
	}
	report, err := fulfillment.ValidateCatalog(context.Background(), configured, newTestCatalog(t, server, testPackage))
	if err != nil {
		t.Fatalf("expected a consistent catalog, got %v", err)
	}
	if strings.Join(report.Unconfigured, ",") != "membership" {
		t.Fatalf("unexpected unconfigured products %v", report.Unconfigured)
	}
}

func TestNewProductCatalogRequiresPackage(t *testing.T) {
	if _, err := NewProductCatalog(context.Background(), " ", nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
