package job

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pds/internal/product"
	"github.com/kiranshivaraju/pds/pkg/models"
)

// ConfigurationValidator checks a job configuration before anything is persisted.
type ConfigurationValidator interface {
	Validate(cfg *models.JobConfiguration) error
}

// CatalogueValidator validates configurations against the product catalogue.
// Missing mandatory parameters that have a default are filled in.
type CatalogueValidator struct {
	catalogue product.Catalogue
}

// NewCatalogueValidator validates configurations against c.
func NewCatalogueValidator(c product.Catalogue) *CatalogueValidator {
	return &CatalogueValidator{catalogue: c}
}

func (v *CatalogueValidator) Validate(cfg *models.JobConfiguration) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is missing", ErrValidation)
	}
	if cfg.UpstreamJobID == uuid.Nil {
		return fmt.Errorf("%w: upstream job id is missing", ErrValidation)
	}
	if cfg.ProductID == "" {
		return fmt.Errorf("%w: product id is missing", ErrValidation)
	}
	setup, ok := v.catalogue.ProductSetup(cfg.ProductID)
	if !ok {
		return fmt.Errorf("%w: product %q is not supported by this server", ErrValidation, cfg.ProductID)
	}

	var missing []string
	for _, p := range setup.MandatoryParameters {
		if _, ok := cfg.Parameter(p.Key); ok {
			continue
		}
		if p.Default != "" {
			cfg.Parameters = append(cfg.Parameters, models.Parameter{Key: p.Key, Value: p.Default})
			continue
		}
		missing = append(missing, p.Key)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: product %s requires parameters [%s]",
			ErrValidation, cfg.ProductID, strings.Join(missing, ", "))
	}
	return nil
}
