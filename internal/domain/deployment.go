package domain

import (
	"errors"
	"strings"
	"time"
)

// Lifecycle statuses for a deployment. A deployment moves
// prepare -> deploy -> finalize|fail -> completed.
const (
	StatusPrepare   = "prepare"
	StatusDeploy    = "deploy"
	StatusFinalize  = "finalize"
	StatusFail      = "fail"
	StatusCompleted = "completed"
)

// Terminal conclusions. Once set, a conclusion never changes.
const (
	ConclusionSucceeded = "succeeded"
	ConclusionFailed    = "failed"
	ConclusionCanceled  = "canceled"
)

// Container statuses as tracked by the lifecycle paths.
const (
	ContainerRunning = "running"
	ContainerStopped = "stopped"
	ContainerRemoved = "removed"
)

// Observed container statuses written by the reconciler. Anything the
// runtime reports outside this set is normalized to ObservedNotFound.
const (
	ObservedRunning  = "running"
	ObservedExited   = "exited"
	ObservedDead     = "dead"
	ObservedPaused   = "paused"
	ObservedNotFound = "not_found"
)

// CommitMeta carries the git metadata frozen onto a deployment.
type CommitMeta struct {
	Author  string `json:"author"`
	Message string `json:"message"`
	Date    string `json:"date"`
}

// DeploymentError records where and why a deployment failed.
type DeploymentError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// DeploymentConfig is the execution snapshot frozen at creation time.
// Later edits to the project's configuration never affect it.
type DeploymentConfig struct {
	Runner           string  `json:"runner"`
	BuildCommand     string  `json:"build_command,omitempty"`
	PreDeployCommand string  `json:"pre_deploy_command,omitempty"`
	StartCommand     string  `json:"start_command"`
	RootDirectory    string  `json:"root_directory,omitempty"`
	CPUs             float64 `json:"cpus,omitempty"`
	MemoryMB         int     `json:"memory_mb,omitempty"`
}

// Validate checks the snapshot once at the boundary.
func (c DeploymentConfig) Validate() error {
	if strings.TrimSpace(c.Runner) == "" {
		return errors.New("runner not set in deployment config")
	}
	if strings.TrimSpace(c.StartCommand) == "" {
		return errors.New("start command not set in deployment config")
	}
	if c.CPUs < 0 {
		return errors.New("cpus must not be negative")
	}
	if c.MemoryMB < 0 {
		return errors.New("memory_mb must not be negative")
	}
	return nil
}

// Deployment captures one attempt to run a specific commit in a specific
// environment.
type Deployment struct {
	ID            string
	ProjectID     string
	EnvironmentID string
	Branch        string
	CommitSHA     string
	CommitMeta    CommitMeta
	RepoFullName  string

	Config  DeploymentConfig
	Image   string
	EnvVars map[string]string

	Trigger string

	Status          string
	Conclusion      string
	Error           *DeploymentError
	ContainerID     string
	ContainerStatus string
	JobID           string

	ObservedStatus       string
	ObservedExitCode     *int
	ObservedAt           *time.Time
	ObservedLastSeenAt   *time.Time
	ObservedMissingCount int

	CreatedAt   time.Time
	ConcludedAt *time.Time
}

// Concluded reports whether the deployment reached a terminal outcome.
func (d *Deployment) Concluded() bool {
	return d.Conclusion != ""
}

// DeploymentStatusUpdate carries mutable lifecycle fields. Nil pointers
// leave the corresponding column untouched.
type DeploymentStatusUpdate struct {
	DeploymentID    string
	Status          string
	Conclusion      string
	Error           *DeploymentError
	ContainerID     string
	ContainerStatus string
	JobID           string
}

// ObservedUpdate carries the fields owned by the reconciler. It never
// touches status or conclusion.
type ObservedUpdate struct {
	DeploymentID string
	Status       string
	ExitCode     *int
	ObservedAt   time.Time
	LastSeenAt   *time.Time
	MissingCount int
}
