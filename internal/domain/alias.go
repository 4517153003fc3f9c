package domain

import "time"

// Alias types. A branch alias follows a git branch, an environment alias
// follows the environment's slug, and an environment_id alias is keyed to
// the environment's immutable id so it survives renames.
const (
	AliasBranch        = "branch"
	AliasEnvironment   = "environment"
	AliasEnvironmentID = "environment_id"
)

// Alias maps a generated subdomain to the deployment currently serving it,
// keeping exactly one level of history for rollback.
type Alias struct {
	ID                   int64
	Subdomain            string
	DeploymentID         string
	PreviousDeploymentID *string
	Type                 string
	Value                string
	EnvironmentID        string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
