package health

import (
	"context"

	"github.com/felixgeelhaar/llmgate/internal/provider"
)

// ProviderChecker reports which backup chain members can be called. A
// member without a resolved credential degrades the gateway; no callable
// member at all makes it unhealthy.
type ProviderChecker struct {
	table *provider.Table
	chain []string
	creds provider.Credentials
}

func NewProviderChecker(table *provider.Table, chain []string, creds provider.Credentials) *ProviderChecker {
	return &ProviderChecker{table: table, chain: chain, creds: creds}
}

func (c *ProviderChecker) Name() string {
	return "providers"
}

func (c *ProviderChecker) Check(ctx context.Context) *Result {
	if len(c.chain) == 0 {
		return Unhealthy("no providers in the backup chain")
	}

	details := make(map[string]any, len(c.chain))
	var missing []string
	for _, id := range c.chain {
		if ctx.Err() != nil {
			return Unhealthy("check cancelled").WithDetail("error", ctx.Err().Error())
		}
		entry := map[string]any{"credential": c.creds[id] != ""}
		if d, err := c.table.Get(id); err == nil {
			entry["model"] = d.ModelName
			entry["vendor"] = d.Vendor
		}
		details[id] = entry
		if c.creds[id] == "" {
			missing = append(missing, id)
		}
	}

	var result *Result
	switch {
	case len(missing) == len(c.chain):
		result = Unhealthy("no provider has a credential")
	case len(missing) > 0:
		result = Degraded("some providers have no credential").WithDetail("missing", missing)
	default:
		result = Healthy("all providers have credentials")
	}
	return result.WithDetail("providers", details)
}
