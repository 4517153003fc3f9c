package domain

// Runner is a catalog entry describing a runtime image deployments run on.
type Runner struct {
	Slug    string `yaml:"slug"`
	Image   string `yaml:"image"`
	Enabled bool   `yaml:"enabled"`
}

// StorageMount is a host bind-mount derived from a storage resource
// attached to a project. EnvironmentIDs empty means all environments.
type StorageMount struct {
	StorageID      string
	Name           string
	Type           string
	TeamID         string
	EnvironmentIDs []string
}

// AppliesTo reports whether the mount is scoped to the given environment.
func (m StorageMount) AppliesTo(environmentID string) bool {
	if len(m.EnvironmentIDs) == 0 {
		return true
	}
	for _, id := range m.EnvironmentIDs {
		if id == environmentID {
			return true
		}
	}
	return false
}
