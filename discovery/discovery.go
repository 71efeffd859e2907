// Package discovery provides the service-registry client and the time-bound
// descriptor cache that feeds requirement shopping.
package discovery

import (
	"fmt"
	"strings"

	pay402 "github.com/pay402/pay402-go"
)

// Pricing describes how a service charges.
type Pricing struct {
	Model  string `json:"model"`
	Amount string `json:"amount"`
	Token  string `json:"token"`
}

// ServiceDescriptor is one entry in the registry catalog.
type ServiceDescriptor struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Endpoint   string   `json:"endpoint"`
	Category   string   `json:"category"`
	Pricing    Pricing  `json:"pricing"`
	Networks   []string `json:"networks"`
	Rating     float64  `json:"rating"`
	UsageCount int64    `json:"usageCount"`
	Tags       []string `json:"tags"`
}

// Requirements turns a catalog entry into the payment requirements a
// resource server advertises for it, one per supported network. The
// pricing model "per-request" is the only one this protocol settles.
func (d ServiceDescriptor) Requirements(payTo string) []pay402.PaymentRequirement {
	requirements := make([]pay402.PaymentRequirement, 0, len(d.Networks))
	for _, network := range d.Networks {
		requirements = append(requirements, pay402.PaymentRequirement{
			Scheme:   pay402.SchemeExact,
			Network:  network,
			Asset:    d.Pricing.Token,
			Amount:   d.Pricing.Amount,
			PayTo:    payTo,
			Resource: d.Endpoint,
		})
	}
	return requirements
}

// Query is a normalized registry query. Distinct filter combinations
// produce distinct cache keys and never collide.
type Query struct {
	Category string
	Search   string
	Network  string
	MinPrice string
	MaxPrice string
	Limit    int
}

// Key derives the cache key for this query. Fields are lowercased and
// trimmed so equivalent queries share an entry.
func (q Query) Key() string {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	return fmt.Sprintf("category=%s|q=%s|network=%s|min=%s|max=%s|limit=%d",
		norm(q.Category), norm(q.Search), norm(q.Network), norm(q.MinPrice), norm(q.MaxPrice), q.Limit)
}
