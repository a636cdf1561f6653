package provider

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

// CredentialResolver turns a credential reference into a usable credential.
// Secret storage lives behind this boundary.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvResolver resolves references as environment variable names.
type EnvResolver struct {
	// Lookup defaults to os.LookupEnv
	Lookup func(string) (string, bool)
}

// Resolve implements CredentialResolver.
func (r EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	lookup := r.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(ref)
	if !ok || strings.TrimSpace(v) == "" {
		return "", errors.New(errors.ErrCodeProviderCredential, fmt.Sprintf("credential %s is not set", ref)).
			WithSuggestion(fmt.Sprintf("Export %s before starting the gateway", ref))
	}
	return v, nil
}

// StaticResolver resolves references from a fixed map.
type StaticResolver map[string]string

// Resolve implements CredentialResolver.
func (r StaticResolver) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := r[ref]
	if !ok || v == "" {
		return "", errors.New(errors.ErrCodeProviderCredential, fmt.Sprintf("credential %s is not set", ref))
	}
	return v, nil
}

// Credentials maps provider id to resolved credential.
type Credentials map[string]string

// ResolveAll resolves the credentials of every provider in ids. Providers
// whose credential is missing are left out; the router treats them as
// auth failures. The returned error lists the missing providers.
func ResolveAll(ctx context.Context, resolver CredentialResolver, table *Table, ids []string) (Credentials, error) {
	creds := make(Credentials, len(ids))
	var missing []string
	for _, id := range ids {
		d, err := table.Get(id)
		if err != nil {
			return nil, err
		}
		v, err := resolver.Resolve(ctx, d.CredentialRef)
		if err != nil {
			missing = append(missing, id)
			continue
		}
		creds[id] = v
	}
	if len(missing) > 0 {
		return creds, errors.New(errors.ErrCodeProviderCredential,
			fmt.Sprintf("missing credentials for: %s", strings.Join(missing, ", ")))
	}
	return creds, nil
}
