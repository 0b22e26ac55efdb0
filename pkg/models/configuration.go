package models

import "github.com/google/uuid"

// ScanType is the scan category a product belongs to.
type ScanType string

const (
	ScanTypeCodeScan    ScanType = "codeScan"
	ScanTypeWebScan     ScanType = "webScan"
	ScanTypeInfraScan   ScanType = "infraScan"
	ScanTypeLicenseScan ScanType = "licenseScan"
	ScanTypeSecretScan  ScanType = "secretScan"
	ScanTypeIACScan     ScanType = "iacScan"
	ScanTypeAnalytics   ScanType = "analytics"
)

// DataType is a payload kind a product can consume.
type DataType string

const (
	DataTypeNone   DataType = "NONE"
	DataTypeSource DataType = "SOURCE"
	DataTypeBinary DataType = "BINARY"
)

// Parameter is a single key/value passed to the product.
type Parameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ScanReference lists the data sections an upstream scan uses.
type ScanReference struct {
	Sources  []string `json:"sources,omitempty"`
	Binaries []string `json:"binaries,omitempty"`
}

// JobModel is the slice of the upstream job model this server needs: which
// data sections each scan category references.
type JobModel struct {
	Scans map[ScanType]ScanReference `json:"scans,omitempty"`
}

// References reports whether the model references data of kind dt for scan type st.
func (m *JobModel) References(st ScanType, dt DataType) bool {
	if m == nil {
		return false
	}
	ref, ok := m.Scans[st]
	if !ok {
		return false
	}
	switch dt {
	case DataTypeSource:
		return len(ref.Sources) > 0
	case DataTypeBinary:
		return len(ref.Binaries) > 0
	default:
		return false
	}
}

// JobConfiguration is the plaintext job configuration. It is only ever
// persisted encrypted.
type JobConfiguration struct {
	ProductID     string      `json:"product_id"`
	UpstreamJobID uuid.UUID   `json:"upstream_job_id"`
	Parameters    []Parameter `json:"parameters,omitempty"`
	Model         *JobModel   `json:"model,omitempty"`
}

// Parameter returns the value for key and whether it was supplied.
func (c *JobConfiguration) Parameter(key string) (string, bool) {
	for _, p := range c.Parameters {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// ProductParameter describes a parameter a product understands.
type ProductParameter struct {
	Key         string `yaml:"key"         json:"key"`
	Description string `yaml:"description" json:"description,omitempty"`
	Default     string `yaml:"default"     json:"default,omitempty"`
}

// ProductSetup is a static product catalogue entry.
type ProductSetup struct {
	ID                  string             `yaml:"id"`
	Path                string             `yaml:"path"`
	ScanType            ScanType           `yaml:"scan-type"`
	Description         string             `yaml:"description"`
	AcceptedDataTypes   []DataType         `yaml:"accepted-data-types"`
	MandatoryParameters []ProductParameter `yaml:"mandatory-parameters"`
	OptionalParameters  []ProductParameter `yaml:"optional-parameters"`
}
