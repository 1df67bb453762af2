// Package catalogfile loads the product reward catalog from TOML.
//
//	[[product]]
//	id = "credits_25"
//	credit_cents = 2500
//
//	[[product]]
//	id = "membership"
//	credit_cents = 6900
//	activates_membership = true
package catalogfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/beanstalker/fulfillment/pkg/fulfillment"
)

// ErrInvalidCatalogFile marks a catalog file that cannot be turned into a catalog.
var ErrInvalidCatalogFile = errors.New("invalid catalog file")

type document struct {
	Products []productEntry `toml:"product"`
}

type productEntry struct {
	ID                  string `toml:"id"`
	CreditCents         int64  `toml:"credit_cents"`
	ActivatesMembership bool   `toml:"activates_membership"`
}

// Load reads and validates the catalog at path.
func Load(path string) (fulfillment.Catalog, error) {
	file, err := os.Open(path)
	if err != nil {
		return fulfillment.Catalog{}, fmt.Errorf("open catalog: %w", err)
	}
	defer file.Close()
	return Decode(file)
}

// Decode parses a TOML catalog document. Unknown keys and duplicate product
// ids are rejected.
func Decode(reader io.Reader) (fulfillment.Catalog, error) {
	var parsed document
	metadata, err := toml.NewDecoder(reader).Decode(&parsed)
	if err != nil {
		return fulfillment.Catalog{}, fmt.Errorf("%w: %v", ErrInvalidCatalogFile, err)
	}
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fulfillment.Catalog{}, fmt.Errorf("%w: unknown keys %s", ErrInvalidCatalogFile, strings.Join(keys, ", "))
	}

	rewards := make(map[fulfillment.ProductID]fulfillment.Reward, len(parsed.Products))
	for index, entry := range parsed.Products {
		productID, err := fulfillment.NewProductID(entry.ID)
		if err != nil {
			return fulfillment.Catalog{}, fmt.Errorf("%w: product #%d: %v", ErrInvalidCatalogFile, index+1, err)
		}
		if _, exists := rewards[productID]; exists {
			return fulfillment.Catalog{}, fmt.Errorf("%w: duplicate product %q", ErrInvalidCatalogFile, productID.String())
		}
		reward, err := fulfillment.NewReward(entry.CreditCents, entry.ActivatesMembership)
		if err != nil {
			return fulfillment.Catalog{}, fmt.Errorf("%w: product %q: %v", ErrInvalidCatalogFile, productID.String(), err)
		}
		rewards[productID] = reward
	}
	catalog, err := fulfillment.NewCatalog(rewards)
	if err != nil {
		return fulfillment.Catalog{}, fmt.Errorf("%w: %v", ErrInvalidCatalogFile, err)
	}
	return catalog, nil
}
