package provider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

func TestNewTable(t *testing.T) {
	tests := []struct {
		name    string
		input   []Descriptor
		wantErr bool
	}{
		{name: "defaults", input: DefaultDescriptors()},
		{name: "empty", input: nil, wantErr: true},
		{
			name: "duplicate id",
			input: []Descriptor{
				DefaultDescriptors()[0],
				DefaultDescriptors()[0],
			},
			wantErr: true,
		},
		{
			name:    "unknown vendor",
			input:   []Descriptor{{ID: "x", Vendor: "mistral", ModelName: "m", CredentialRef: "K"}},
			wantErr: true,
		},
		{
			name:    "negative price",
			input:   []Descriptor{{ID: "x", Vendor: VendorOpenAI, ModelName: "m", CredentialRef: "K", InputPricePer1K: -1}},
			wantErr: true,
		},
		{
			name:    "missing credential ref",
			input:   []Descriptor{{ID: "x", Vendor: VendorOpenAI, ModelName: "m"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := NewTable(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.ErrCodeProviderConfig, errors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"claude", "openai", "gemini"}, table.IDs())
		})
	}
}

func TestTableGet(t *testing.T) {
	table, err := NewTable(DefaultDescriptors())
	require.NoError(t, err)

	d, err := table.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, "gpt-5.1", d.ModelName)
	assert.Equal(t, 0.01, d.InputPricePer1K)

	_, err = table.Get("mistral")
	assert.Equal(t, errors.ErrCodeProviderNotFound, errors.CodeOf(err))
}

func TestValidateChain(t *testing.T) {
	table, err := NewTable(DefaultDescriptors())
	require.NoError(t, err)

	assert.NoError(t, table.ValidateChain([]string{"claude", "openai", "gemini"}))
	assert.NoError(t, table.ValidateChain([]string{"gemini"}))

	for _, chain := range [][]string{
		nil,
		{"claude", "claude"},
		{"claude", "mistral"},
	} {
		err := table.ValidateChain(chain)
		assert.Equal(t, errors.ErrCodeInvalidChain, errors.CodeOf(err), "chain %v", chain)
	}
}

func TestChainFrom(t *testing.T) {
	chain := []string{"claude", "openai", "gemini"}

	assert.Equal(t, chain, ChainFrom("claude", chain))
	assert.Equal(t, []string{"openai", "claude", "gemini"}, ChainFrom("openai", chain))
	assert.Equal(t, []string{"gemini", "claude", "openai"}, ChainFrom("gemini", chain))
	assert.Equal(t, []string{"local", "claude", "openai", "gemini"}, ChainFrom("local", chain))
}

func TestLoadTable(t *testing.T) {
	t.Setenv("LLMGATE_TEST_MODEL", "gpt-test")
	path := filepath.Join(t.TempDir(), "providers.yaml")
	doc := `providers:
  - id: openai
    vendor: openai
    model: ${LLMGATE_TEST_MODEL}
    credential_ref: OPENAI_API_KEY
    input_price_per_1k: 0.01
    output_price_per_1k: 0.03
    requests_per_second: 2
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	table, err := LoadTable(path)
	require.NoError(t, err)

	d, err := table.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, "gpt-test", d.ModelName)
	assert.Equal(t, 2.0, d.RequestsPerSecond)

	_, err = LoadTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, errors.ErrCodeConfigRead))
}
