package product_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kiranshivaraju/pds/internal/product"
	"github.com/kiranshivaraju/pds/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogueYAML = `
products:
  - id: PDS_GOSEC
    path: /opt/pds/gosec/run.sh
    scan-type: codeScan
    accepted-data-types: [SOURCE]
    mandatory-parameters:
      - key: gosec.severity
        default: medium
  - id: PDS_CHECKMARX
    path: /opt/pds/checkmarx/run.sh
    scan-type: codeScan
    accepted-data-types: [SOURCE, BINARY]
    optional-parameters:
      - key: checkmarx.preset
  - id: PDS_NMAP
    path: /opt/pds/nmap/run.sh
    scan-type: infraScan
`

func writeCatalogue(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "products.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	c, err := product.LoadFile(writeCatalogue(t, catalogueYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"PDS_CHECKMARX", "PDS_GOSEC", "PDS_NMAP"}, c.IDs())

	gosec, ok := c.ProductSetup("PDS_GOSEC")
	require.True(t, ok)
	assert.Equal(t, models.ScanTypeCodeScan, gosec.ScanType)
	assert.Equal(t, []models.DataType{models.DataTypeSource}, gosec.AcceptedDataTypes)
	require.Len(t, gosec.MandatoryParameters, 1)
	assert.Equal(t, "medium", gosec.MandatoryParameters[0].Default)

	cx, ok := c.ProductSetup("PDS_CHECKMARX")
	require.True(t, ok)
	assert.Len(t, cx.OptionalParameters, 1)
}

func TestLoadFile_DefaultsToNone(t *testing.T) {
	c, err := product.LoadFile(writeCatalogue(t, catalogueYAML))
	require.NoError(t, err)

	nmap, ok := c.ProductSetup("PDS_NMAP")
	require.True(t, ok)
	assert.Equal(t, []models.DataType{models.DataTypeNone}, nmap.AcceptedDataTypes)
}

func TestProductSetup_Unknown(t *testing.T) {
	c, err := product.LoadFile(writeCatalogue(t, catalogueYAML))
	require.NoError(t, err)

	_, ok := c.ProductSetup("PDS_UNKNOWN")
	assert.False(t, ok)
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"duplicate id", "products:\n  - {id: A, path: /a}\n  - {id: A, path: /b}\n", "duplicate"},
		{"missing path", "products:\n  - {id: A}\n", "path is required"},
		{"bad data type", "products:\n  - {id: A, path: /a, accepted-data-types: [VIDEO]}\n", "unknown data type"},
		{"not yaml", "products: [", "parse product catalogue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := product.LoadFile(writeCatalogue(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := product.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
