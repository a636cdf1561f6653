package provider

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

// Supported wire dialects.
const (
	VendorAnthropic = "anthropic"
	VendorOpenAI    = "openai"
	VendorGemini    = "gemini"
)

// Descriptor is the static configuration of one provider.
type Descriptor struct {
	// ID is the logical provider name clients connect to (e.g. "claude")
	ID string `yaml:"id" json:"id"`

	// Vendor selects the adapter dialect
	Vendor string `yaml:"vendor" json:"vendor"`

	// ModelName is the vendor model identifier
	ModelName string `yaml:"model" json:"model"`

	// CredentialRef names the credential handed to the resolver, e.g. an
	// environment variable. Providers sharing a ref share a credential.
	CredentialRef string `yaml:"credential_ref" json:"credential_ref"`

	// InputPricePer1K and OutputPricePer1K are USD per 1000 tokens
	InputPricePer1K  float64 `yaml:"input_price_per_1k" json:"input_price_per_1k"`
	OutputPricePer1K float64 `yaml:"output_price_per_1k" json:"output_price_per_1k"`

	// BaseURL overrides the vendor API endpoint
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// MaxTokens caps response length; zero uses the adapter default
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`

	// RequestsPerSecond enables client-side throttling when positive
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" json:"requests_per_second,omitempty"`
}

// Validate checks a single descriptor.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch d.Vendor {
	case VendorAnthropic, VendorOpenAI, VendorGemini:
	default:
		return fmt.Errorf("invalid vendor %q (must be anthropic, openai, or gemini)", d.Vendor)
	}
	if d.ModelName == "" {
		return fmt.Errorf("model is required")
	}
	if d.CredentialRef == "" {
		return fmt.Errorf("credential_ref is required")
	}
	if d.InputPricePer1K < 0 || d.OutputPricePer1K < 0 {
		return fmt.Errorf("prices must be non-negative")
	}
	if d.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must be non-negative")
	}
	return nil
}

// DefaultDescriptors returns the built-in provider set.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			ID:               "claude",
			Vendor:           VendorAnthropic,
			ModelName:        "claude-opus-4-5-20251101",
			CredentialRef:    "ANTHROPIC_API_KEY",
			InputPricePer1K:  0.015,
			OutputPricePer1K: 0.075,
		},
		{
			ID:               "openai",
			Vendor:           VendorOpenAI,
			ModelName:        "gpt-5.1",
			CredentialRef:    "OPENAI_API_KEY",
			InputPricePer1K:  0.01,
			OutputPricePer1K: 0.03,
		},
		{
			ID:               "gemini",
			Vendor:           VendorGemini,
			ModelName:        "gemini-3-pro-preview",
			CredentialRef:    "GOOGLE_API_KEY",
			InputPricePer1K:  0.00125,
			OutputPricePer1K: 0.005,
		},
	}
}

// Table is the provider descriptor table. It is immutable once built and
// safe for concurrent readers without locking.
type Table struct {
	order []string
	byID  map[string]Descriptor
}

// NewTable validates descriptors and builds a table preserving their order.
func NewTable(descriptors []Descriptor) (*Table, error) {
	if len(descriptors) == 0 {
		return nil, errors.New(errors.ErrCodeProviderConfig, "no providers configured")
	}

	t := &Table{
		order: make([]string, 0, len(descriptors)),
		byID:  make(map[string]Descriptor, len(descriptors)),
	}
	for i, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, errors.Wrap(errors.ErrCodeProviderConfig, fmt.Sprintf("provider %d (%s)", i, d.ID), err)
		}
		if _, dup := t.byID[d.ID]; dup {
			return nil, errors.New(errors.ErrCodeProviderConfig, fmt.Sprintf("duplicate provider id: %s", d.ID))
		}
		t.order = append(t.order, d.ID)
		t.byID[d.ID] = d
	}
	return t, nil
}

// LoadTable reads a provider table from a YAML file with a top-level
// "providers" list. Environment references are expanded first.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigRead, fmt.Sprintf("failed to read provider table %s", path), err)
	}

	var doc struct {
		Providers []Descriptor `yaml:"providers"`
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &doc); err != nil {
		return nil, errors.Wrap(errors.ErrCodeProviderConfig, fmt.Sprintf("failed to parse provider table %s", path), err)
	}
	return NewTable(doc.Providers)
}

// Get returns the descriptor for id.
func (t *Table) Get(id string) (Descriptor, error) {
	d, ok := t.byID[id]
	if !ok {
		return Descriptor{}, errors.NewProviderNotFoundError(id)
	}
	return d, nil
}

// Has reports whether id is configured.
func (t *Table) Has(id string) bool {
	_, ok := t.byID[id]
	return ok
}

// IDs returns provider ids in configuration order.
func (t *Table) IDs() []string {
	return append([]string(nil), t.order...)
}

// Descriptors returns all descriptors in configuration order.
func (t *Table) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// ValidateChain checks that chain is non-empty, free of duplicates and
// names only configured providers.
func (t *Table) ValidateChain(chain []string) error {
	if len(chain) == 0 {
		return errors.New(errors.ErrCodeInvalidChain, "backup chain is empty")
	}
	seen := make(map[string]bool, len(chain))
	for _, id := range chain {
		if !t.Has(id) {
			return errors.New(errors.ErrCodeInvalidChain, fmt.Sprintf("backup chain names unknown provider: %s", id))
		}
		if seen[id] {
			return errors.New(errors.ErrCodeInvalidChain, fmt.Sprintf("backup chain repeats provider: %s", id))
		}
		seen[id] = true
	}
	return nil
}

// ChainFrom returns the backup chain a session bound to primary uses:
// primary first, then the remaining members of chain in order. A primary
// outside chain still leads.
func ChainFrom(primary string, chain []string) []string {
	out := make([]string, 0, len(chain)+1)
	out = append(out, primary)
	for _, id := range chain {
		if id != primary {
			out = append(out, id)
		}
	}
	return out
}
