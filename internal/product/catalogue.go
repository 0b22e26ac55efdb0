// Package product loads the static catalogue of scan products this server can run.
package product

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/kiranshivaraju/pds/pkg/models"
)

// Catalogue resolves product ids to their setup.
type Catalogue interface {
	ProductSetup(productID string) (*models.ProductSetup, bool)
}

type catalogueFile struct {
	Products []models.ProductSetup `yaml:"products"`
}

// StaticCatalogue is an immutable, in-memory Catalogue.
type StaticCatalogue struct {
	products map[string]*models.ProductSetup
}

// NewStaticCatalogue indexes setups by id. Duplicate or empty ids are rejected.
func NewStaticCatalogue(setups []models.ProductSetup) (*StaticCatalogue, error) {
	c := &StaticCatalogue{products: make(map[string]*models.ProductSetup, len(setups))}
	for i := range setups {
		s := setups[i]
		if err := validateSetup(&s); err != nil {
			return nil, err
		}
		if _, dup := c.products[s.ID]; dup {
			return nil, fmt.Errorf("duplicate product id %q", s.ID)
		}
		if len(s.AcceptedDataTypes) == 0 {
			s.AcceptedDataTypes = []models.DataType{models.DataTypeNone}
		}
		c.products[s.ID] = &s
	}
	return c, nil
}

// LoadFile reads a YAML catalogue of the form
//
//	products:
//	  - id: PDS_GOSEC
//	    path: /opt/pds/gosec/run.sh
//	    scan-type: codeScan
//	    accepted-data-types: [SOURCE]
//	    mandatory-parameters:
//	      - key: gosec.severity
//	        default: medium
func LoadFile(path string) (*StaticCatalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read product catalogue: %w", err)
	}
	var f catalogueFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse product catalogue %s: %w", path, err)
	}
	return NewStaticCatalogue(f.Products)
}

func (c *StaticCatalogue) ProductSetup(productID string) (*models.ProductSetup, bool) {
	s, ok := c.products[productID]
	return s, ok
}

// IDs returns the known product ids in sorted order.
func (c *StaticCatalogue) IDs() []string {
	ids := make([]string, 0, len(c.products))
	for id := range c.products {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func validateSetup(s *models.ProductSetup) error {
	if s.ID == "" {
		return fmt.Errorf("product without id")
	}
	if s.Path == "" {
		return fmt.Errorf("product %s: path is required", s.ID)
	}
	for _, dt := range s.AcceptedDataTypes {
		switch dt {
		case models.DataTypeNone, models.DataTypeSource, models.DataTypeBinary:
		default:
			return fmt.Errorf("product %s: unknown data type %q", s.ID, dt)
		}
	}
	return nil
}
