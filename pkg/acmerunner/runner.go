// Drives an ACME client through issuance and renewal of the domain's certificate.
//
// Both runners validate with HTTP-01 in standalone mode, i.e. they bind the validation
// port themselves. The caller must make sure the proxy has released the port.
// Errors carry ckdomain kinds (ClientNotInstalled, ValidationFailed, RateLimited, Other).
package acmerunner

import (
	"context"
	"strings"

	"github.com/function61/certkeeper/pkg/ckdomain"
)

type Runner interface {
	Obtain(ctx context.Context, domain ckdomain.Domain, contactEmail string) error
	// whether renewal is due is decided by the ACME client itself
	Renew(ctx context.Context, domain ckdomain.Domain) error
}

// ACME problem types and client messages we classify. matching is case-insensitive
var (
	rateLimitedMarkers = []string{
		"ratelimited",
		"too many certificates",
		"too many failed authorizations",
		"too many new orders",
		"too many registrations",
	}
	validationFailedMarkers = []string{
		"some challenges have failed",
		"challenge failed",
		"unauthorized",
		"connection refused",
		"timeout during connect",
		"dns problem",
		"nxdomain",
		"no valid ip addresses",
		"could not bind",
		"address already in use",
		"incorrect txt record",
		"invalid response from",
	}
)

// maps client output (or error text) to an error kind
func classify(output string) ckdomain.Kind {
	lower := strings.ToLower(output)

	if containsAny(lower, rateLimitedMarkers) {
		return ckdomain.RateLimited
	}

	if containsAny(lower, validationFailedMarkers) {
		return ckdomain.ValidationFailed
	}

	return ckdomain.Other
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}

	return false
}
