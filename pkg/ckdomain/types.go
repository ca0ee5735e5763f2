// Vocabulary shared by all certkeeper components
package ckdomain

import (
	"fmt"
	"strings"
)

// single DNS name that is the subject of all operations
type Domain string

func (d Domain) String() string { return string(d) }

// normalizes and validates a hostname. wildcards are rejected (we manage exactly one name).
func ParseDomain(input string) (Domain, error) {
	hostname := strings.ToLower(strings.TrimSpace(input))
	hostname = strings.TrimSuffix(hostname, ".") // FQDN form

	if hostname == "" {
		return "", fmt.Errorf("domain: empty")
	}

	if strings.HasPrefix(hostname, "*.") {
		return "", fmt.Errorf("domain: wildcards not supported: %s", hostname)
	}

	if len(hostname) > 253 {
		return "", fmt.Errorf("domain: too long: %s", hostname)
	}

	labels := strings.Split(hostname, ".")
	if len(labels) < 2 {
		return "", fmt.Errorf("domain: not publicly routable (need at least two labels): %s", hostname)
	}

	for _, label := range labels {
		if !validLabel(label) {
			return "", fmt.Errorf("domain: invalid label %q in %s", label, hostname)
		}
	}

	return Domain(hostname), nil
}

func validLabel(label string) bool {
	if len(label) == 0 || len(label) > 63 {
		return false
	}

	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}

	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}

	return true
}

// ------

// config variant of the reverse proxy
type Variant int

const (
	Unknown Variant = iota // active config absent
	HTTPOnly
	TLSEnabled
)

func (v Variant) String() string {
	switch v {
	case HTTPOnly:
		return "http-only"
	case TLSEnabled:
		return "tls"
	default:
		return "unknown"
	}
}

// ------

type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeSkippedAlreadyCurrent
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "Succeeded"
	case OutcomeSkippedAlreadyCurrent:
		return "SkippedAlreadyCurrent"
	default:
		return "Failed"
	}
}

// outcome of Obtain or Renew. Err is non-nil only for OutcomeFailed
type OperationResult struct {
	Outcome Outcome
	Err     error
}

func Succeeded() OperationResult {
	return OperationResult{Outcome: OutcomeSucceeded}
}

func Skipped() OperationResult {
	return OperationResult{Outcome: OutcomeSkippedAlreadyCurrent}
}

func Failed(err error) OperationResult {
	if err == nil {
		err = NewError(Other, "unspecified failure", nil)
	}

	return OperationResult{Outcome: OutcomeFailed, Err: err}
}

func (r OperationResult) Ok() bool {
	return r.Outcome != OutcomeFailed
}

// 0 for success or intentional skip, non-zero for failure
func (r OperationResult) ExitCode() int {
	if r.Ok() {
		return 0
	}

	return 1
}

// reason kind of a failure. ok results report Other
func (r OperationResult) Reason() Kind {
	if r.Ok() {
		return Other
	}

	return KindOf(r.Err)
}

func (r OperationResult) String() string {
	if r.Ok() {
		return r.Outcome.String()
	}

	return fmt.Sprintf("Failed(%s): %v", KindOf(r.Err), r.Err)
}
