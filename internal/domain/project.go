package domain

import "time"

// Environment is a named deployment target within a project, bound to a
// branch (or branch pattern).
type Environment struct {
	ID     string `json:"id"`
	Slug   string `json:"slug"`
	Branch string `json:"branch"`
	Name   string `json:"name"`
}

// Project is the owning record for deployments. The engine reads it; the
// surrounding application owns its lifecycle.
type Project struct {
	ID           string
	Name         string
	Slug         string
	TeamID       string
	RepoFullName string
	Status       string
	Environments []Environment
	Config       DeploymentConfig
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EnvironmentByID returns the environment with the given id, or nil.
func (p *Project) EnvironmentByID(id string) *Environment {
	for i := range p.Environments {
		if p.Environments[i].ID == id {
			return &p.Environments[i]
		}
	}
	return nil
}

// EnvironmentForBranch returns the first environment whose branch matches,
// falling back to nil when no environment tracks the branch.
func (p *Project) EnvironmentForBranch(branch string) *Environment {
	for i := range p.Environments {
		if p.Environments[i].Branch == branch {
			return &p.Environments[i]
		}
	}
	return nil
}
