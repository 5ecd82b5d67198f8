package offlinecache

import (
	"fmt"
	"net/url"
	"strings"
)

// Policy is the strategy governing cache/network precedence and fallback for a request.
type Policy string

const (
	// Not intercepted at all.
	PolicyBypass Policy = "bypass"
	// Time-windowed cache with offline fallback.
	PolicyAPI Policy = "api"
	// Network passthrough, queued when offline.
	PolicySubmission Policy = "submission"
	// Cache first, then network, with document fallback.
	PolicyGeneric Policy = "generic"
)

const (
	StatisticsMarker = "/api/services/app/Survey/GetPublicStatistics"
	SubmissionMarker = "/s/e/anonymous/"
)

type Rules []Rule

// Rule selects a policy for every request whose path contains the given marker.
type Rule struct {
	Contains string `yaml:"contains"`
	Policy   Policy `yaml:"policy"`
}

func DefaultRules() Rules {
	return Rules{
		Rule{Contains: StatisticsMarker, Policy: PolicyAPI},
		Rule{Contains: SubmissionMarker, Policy: PolicySubmission},
	}
}

func (r Rules) Validate() error {
	for i, rule := range r {
		if rule.Contains == "" {
			return fmt.Errorf("rule %d: empty marker", i)
		}
		switch rule.Policy {
		case PolicyAPI, PolicySubmission, PolicyGeneric:
		default:
			return fmt.Errorf("rule %d: unknown policy %q", i, rule.Policy)
		}
	}
	return nil
}

// Classify returns the policy for a request URL.
// Rules are checked in order; the first marker found in the path wins.
func (r Rules) Classify(u *url.URL) Policy {
	if u == nil {
		return PolicyBypass
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return PolicyBypass
	}
	path := u.EscapedPath()
	for _, rule := range r {
		if strings.Contains(path, rule.Contains) {
			return rule.Policy
		}
	}
	return PolicyGeneric
}
