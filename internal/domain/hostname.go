package domain

import "time"

// Domain record types. A "route" domain proxies straight to the
// environment's deployment; the numeric types redirect with that status.
const (
	DomainRoute       = "route"
	DomainRedirect301 = "301"
	DomainRedirect302 = "302"
	DomainRedirect307 = "307"
	DomainRedirect308 = "308"
)

// Domain is a user-supplied hostname bound to one environment. The engine
// only reads these; verification and lifecycle live elsewhere.
type Domain struct {
	ID            string
	ProjectID     string
	Hostname      string
	Type          string
	EnvironmentID string
	Status        string
	CreatedAt     time.Time
}

// Permanent reports whether a redirect domain uses a permanent status code.
func (d Domain) Permanent() bool {
	return d.Type == DomainRedirect301 || d.Type == DomainRedirect308
}

// Redirect reports whether the domain is a redirect rather than a route.
func (d Domain) Redirect() bool {
	switch d.Type {
	case DomainRedirect301, DomainRedirect302, DomainRedirect307, DomainRedirect308:
		return true
	}
	return false
}
