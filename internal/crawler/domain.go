package crawler

import (
	"errors"
	"fmt"
	"strings"
)

// Domain is the environmental category a crawl job targets.
type Domain string

// Supported domains.
const (
	DomainAir     Domain = "air"
	DomainWater   Domain = "water"
	DomainSoil    Domain = "soil"
	DomainClimate Domain = "climate"
)

// ErrUnknownDomain is returned when a domain string is not recognized.
var ErrUnknownDomain = errors.New("unknown domain")

// AllDomains lists every supported domain in a stable order.
func AllDomains() []Domain {
	return []Domain{DomainAir, DomainWater, DomainSoil, DomainClimate}
}

// ParseDomain normalizes and validates a domain name.
func ParseDomain(raw string) (Domain, error) {
	d := Domain(strings.ToLower(strings.TrimSpace(raw)))
	switch d {
	case DomainAir, DomainWater, DomainSoil, DomainClimate:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDomain, raw)
	}
}

func (d Domain) String() string {
	return string(d)
}
