package catalogfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/beanstalker/fulfillment/pkg/fulfillment"
)

const sampleCatalog = `
[[product]]
id = "credits_10"
credit_cents = 1000

[[product]]
id = "credits_25"
credit_cents = 2500

[[product]]
id = "membership"
credit_cents = 6900
activates_membership = true
`

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.toml")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	catalog, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := strings.Join(catalog.ProductIDs(), ","); got != "credits_10,credits_25,membership" {
		t.Fatalf("unexpected product ids %q", got)
	}
	membership, _ := fulfillment.NewProductID("membership")
	reward, ok := catalog.Lookup(membership)
	if !ok || reward.CreditCents != 6900 || !reward.ActivatesMembership {
		t.Fatalf("unexpected membership reward %+v", reward)
	}
	credits25, _ := fulfillment.NewProductID("credits_25")
	if reward, ok := catalog.Lookup(credits25); !ok || reward.CreditCents != 2500 || reward.ActivatesMembership {
		t.Fatalf("unexpected credits_25 reward %+v", reward)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for a missing file")
	}
}

func TestDecodeRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name     string
		document string
	}{
		{"syntax", `[[product]` + "\n"},
		{"empty", ``},
		{"unknown key", "[[product]]\nid = \"a\"\ncredit_cents = 1\nbonus = 2\n"},
		{"missing id", "[[product]]\ncredit_cents = 100\n"},
		{"duplicate", "[[product]]\nid = \"a\"\ncredit_cents = 1\n[[product]]\nid = \"a\"\ncredit_cents = 2\n"},
		{"negative", "[[product]]\nid = \"a\"\ncredit_cents = -5\n"},
		{"grants nothing", "[[product]]\nid = \"a\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.document))
			if !errors.Is(err, ErrInvalidCatalogFile) {
				t.Fatalf("expected ErrInvalidCatalogFile, got %v", err)
			}
		})
	}
}
