package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hunvreus/devpush/internal/docker"
	"github.com/hunvreus/devpush/internal/domain"
	"github.com/hunvreus/devpush/internal/jobs"
	"github.com/hunvreus/devpush/internal/repository"
	aliassvc "github.com/hunvreus/devpush/internal/service/alias"
	"github.com/hunvreus/devpush/pkg/config"
)

// ErrNotCancelable indicates a cancel request arrived after the deployment
// passed the point of no return.
var ErrNotCancelable = errors.New("deployment can no longer be canceled")

// runtime is the slice of the container driver the coordinator uses.
type runtime interface {
	PullIfAbsent(ctx context.Context, ref string, onOutput docker.PullOutputCallback) error
	CreateAndStart(ctx context.Context, spec docker.RunSpec) (string, error)
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
	EnsureNetwork(ctx context.Context, name string) (string, error)
}

// queue is the slice of the job pool the coordinator uses.
type queue interface {
	Enqueue(name string, fn jobs.Job) string
	EnqueueAfter(name string, delay time.Duration, fn jobs.Job) string
	Abort(jobID string) bool
}

// aliasManager publishes aliases and routing for finalized deployments.
type aliasManager interface {
	SetupAliases(ctx context.Context, project *domain.Project, d *domain.Deployment)
	UpdateRoutingConfig(ctx context.Context, project *domain.Project, includeIDs ...string) error
}

// publisher is the slice of the event publisher the coordinator uses.
type publisher interface {
	DeploymentCreated(ctx context.Context, d *domain.Deployment) error
	StatusUpdated(ctx context.Context, d *domain.Deployment) error
}

// TokenSource mints a short-lived git credential for a repository. A nil
// source means repositories are fetched anonymously.
type TokenSource func(ctx context.Context, repoFullName string) (string, error)

// Service is the deployment lifecycle coordinator. Stage handlers run as
// pool jobs and are individually idempotent: the pool may re-deliver and
// the monitor or a cancel call may race any of them.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	aliases     repository.AliasRepository
	storage     repository.StorageRepository
	docker      runtime
	aliasSvc    aliasManager
	publisher   publisher
	pool        queue
	runners     Catalog
	tokens      TokenSource
	logger      *slog.Logger
	cfg         config.EngineConfig
	now         func() time.Time

	onConclusion func(conclusion string)
}

// SetConclusionHook registers a callback invoked once per recorded
// conclusion, whichever lifecycle path writes it. Used for metrics.
func (s *Service) SetConclusionHook(fn func(conclusion string)) {
	s.onConclusion = fn
}

func (s *Service) notifyConcluded(conclusion string) {
	if s.onConclusion != nil {
		s.onConclusion(conclusion)
	}
}

// New returns a deployment coordinator.
func New(
	projects repository.ProjectRepository,
	deployments repository.DeploymentRepository,
	aliases repository.AliasRepository,
	storage repository.StorageRepository,
	dockerClient runtime,
	aliasSvc aliasManager,
	publisher publisher,
	pool queue,
	runners Catalog,
	tokens TokenSource,
	logger *slog.Logger,
	cfg config.EngineConfig,
) *Service {
	return &Service{
		projects:    projects,
		deployments: deployments,
		aliases:     aliases,
		storage:     storage,
		docker:      dockerClient,
		aliasSvc:    aliasSvc,
		publisher:   publisher,
		pool:        pool,
		runners:     runners,
		tokens:      tokens,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
	}
}

// CreateParams describes a requested deployment.
type CreateParams struct {
	ProjectID  string
	Branch     string
	CommitSHA  string
	CommitMeta domain.CommitMeta
	Trigger    string
	EnvVars    map[string]string
}

// Create freezes the execution snapshot, inserts the record with
// status=prepare and enqueues the start stage.
func (s *Service) Create(ctx context.Context, params CreateParams) (*domain.Deployment, error) {
	project, err := s.projects.GetProjectByID(ctx, params.ProjectID)
	if err != nil {
		return nil, err
	}
	env := project.EnvironmentForBranch(params.Branch)
	if env == nil {
		return nil, fmt.Errorf("no environment tracks branch %q on project %s", params.Branch, project.ID)
	}

	snapshot := project.Config
	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("project config: %w", err)
	}
	runner, err := s.runners.Resolve(snapshot.Runner)
	if err != nil {
		return nil, err
	}

	s.cancelSuperseded(ctx, project.ID, env.ID)

	trigger := params.Trigger
	if trigger == "" {
		trigger = "push"
	}
	deployment := &domain.Deployment{
		ID:            uuid.NewString(),
		ProjectID:     project.ID,
		EnvironmentID: env.ID,
		Branch:        params.Branch,
		CommitSHA:     params.CommitSHA,
		CommitMeta:    params.CommitMeta,
		RepoFullName:  project.RepoFullName,
		Config:        snapshot,
		Image:         runner.Image,
		EnvVars:       params.EnvVars,
		Trigger:       trigger,
		Status:        domain.StatusPrepare,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}

	if err := s.publisher.DeploymentCreated(ctx, deployment); err != nil {
		s.logger.Warn("creation event publish failed", "deployment_id", deployment.ID, "error", err)
	}

	jobID := s.pool.Enqueue("deploy:start", func(jobCtx context.Context) error {
		return s.Start(jobCtx, deployment.ID)
	})
	if err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deployment.ID,
		JobID:        jobID,
	}); err != nil {
		s.logger.Warn("job id record failed", "deployment_id", deployment.ID, "error", err)
	}
	deployment.JobID = jobID

	s.logger.Info("deployment created",
		"deployment_id", deployment.ID,
		"project_id", project.ID,
		"environment_id", env.ID,
		"branch", params.Branch,
		"commit_sha", params.CommitSHA,
	)
	return deployment, nil
}

// cancelSuperseded cancels in-flight deployments a newer push to the same
// environment has made obsolete. Deployments past the point of no return
// finish on their own.
func (s *Service) cancelSuperseded(ctx context.Context, projectID, environmentID string) {
	inFlight, err := s.deployments.ListInFlightByEnvironment(ctx, projectID, environmentID)
	if err != nil {
		s.logger.Warn("superseded lookup failed", "project_id", projectID, "environment_id", environmentID, "error", err)
		return
	}
	for _, d := range inFlight {
		if err := s.Cancel(ctx, d.ID); err != nil {
			if errors.Is(err, ErrNotCancelable) {
				continue
			}
			s.logger.Warn("superseded cancel failed", "deployment_id", d.ID, "error", err)
			continue
		}
		s.logger.Info("superseded deployment canceled", "deployment_id", d.ID, "environment_id", environmentID)
	}
}

// ListRecent returns the project's most recent deployments, newest first.
func (s *Service) ListRecent(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// Start launches the deployment container. Idempotent: a deployment that
// already progressed past prepare, or already concluded, is left alone.
// Panics never escape into the pool; they conclude the deployment failed.
func (s *Service) Start(ctx context.Context, deploymentID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("start stage panicked", "deployment_id", deploymentID, "panic", r)
			err = s.Fail(context.WithoutCancel(ctx), deploymentID, domain.StatusPrepare, "internal error while starting deployment")
		}
	}()

	d, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.Concluded() || d.Status != domain.StatusPrepare {
		s.logger.Info("start skipped", "deployment_id", d.ID, "status", d.Status, "conclusion", d.Conclusion)
		return nil
	}

	project, err := s.projects.GetProjectByID(ctx, d.ProjectID)
	if err != nil {
		return s.Fail(ctx, d.ID, domain.StatusPrepare, fmt.Sprintf("project lookup failed: %v", err))
	}
	env := project.EnvironmentByID(d.EnvironmentID)
	if env == nil {
		return s.Fail(ctx, d.ID, domain.StatusPrepare, fmt.Sprintf("environment %s no longer exists", d.EnvironmentID))
	}

	runner, err := s.runners.Resolve(d.Config.Runner)
	if err != nil {
		return s.Fail(ctx, d.ID, domain.StatusPrepare, err.Error())
	}

	mounts, err := s.resolveMounts(ctx, d)
	if err != nil {
		return s.Fail(ctx, d.ID, domain.StatusPrepare, fmt.Sprintf("storage mounts: %v", err))
	}

	workspaceNetwork := s.cfg.WorkspaceNetworkPrefix + env.ID
	if _, err := s.docker.EnsureNetwork(ctx, workspaceNetwork); err != nil {
		return s.Fail(ctx, d.ID, domain.StatusPrepare, fmt.Sprintf("workspace network: %v", err))
	}

	command, err := s.composeCommand(ctx, d)
	if err != nil {
		return s.Fail(ctx, d.ID, domain.StatusPrepare, err.Error())
	}

	cpus, memoryMB := s.clampResources(d)

	pullLog := s.logger.With("deployment_id", d.ID, "image", runner.Image)
	if err := s.docker.PullIfAbsent(ctx, runner.Image, func(line string) {
		pullLog.Info("image pull", "progress", line)
	}); err != nil {
		if ctx.Err() != nil {
			return s.handleAbort(ctx, d, "")
		}
		return s.Fail(ctx, d.ID, domain.StatusPrepare, fmt.Sprintf("pull runner image: %v", err))
	}

	spec := docker.RunSpec{
		Name:     fmt.Sprintf("deploy-%s", d.ID),
		Image:    runner.Image,
		Command:  command,
		Env:      s.containerEnv(d, project, env),
		Labels:   s.containerLabels(d, project),
		Networks: []string{s.cfg.RunnerNetwork, workspaceNetwork},
		Mounts:   mounts,
		User:     s.serviceUser(),
		CPUs:     cpus,
		MemoryMB: memoryMB,
		AppPort:  s.cfg.AppPort,
	}

	containerID, createErr := s.docker.CreateAndStart(ctx, spec)
	if ctx.Err() != nil {
		return s.handleAbort(ctx, d, containerID)
	}
	if createErr != nil {
		if containerID != "" {
			if rmErr := s.docker.Remove(context.WithoutCancel(ctx), containerID); rmErr != nil {
				s.logger.Warn("orphan container remove failed", "deployment_id", d.ID, "container_id", containerID, "error", rmErr)
			}
		}
		return s.Fail(ctx, d.ID, domain.StatusDeploy, classifyCreateError(createErr))
	}

	update := domain.DeploymentStatusUpdate{
		DeploymentID:    d.ID,
		Status:          domain.StatusDeploy,
		ContainerID:     containerID,
		ContainerStatus: domain.ContainerRunning,
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		if errors.Is(err, repository.ErrConcluded) {
			// Canceled while the container was coming up.
			return s.handleAbort(context.WithoutCancel(ctx), d, containerID)
		}
		return err
	}

	d.Status = domain.StatusDeploy
	d.ContainerID = containerID
	if err := s.publisher.StatusUpdated(ctx, d); err != nil {
		s.logger.Warn("status event publish failed", "deployment_id", d.ID, "error", err)
	}

	s.logger.Info("container started",
		"deployment_id", d.ID,
		"container_id", containerID,
		"image", runner.Image,
		"network", workspaceNetwork,
	)
	return nil
}

// handleAbort unwinds a start stage interrupted by a cooperative abort. The
// cancel path may already have concluded the deployment; both sides are
// idempotent and order-tolerant.
func (s *Service) handleAbort(ctx context.Context, d *domain.Deployment, containerID string) error {
	ctx = context.WithoutCancel(ctx)
	if containerID != "" {
		if err := s.docker.Stop(ctx, containerID, 10*time.Second); err != nil {
			s.logger.Warn("abort stop failed", "deployment_id", d.ID, "container_id", containerID, "error", err)
		}
		s.scheduleDelete(d.ID)
		if err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
			DeploymentID:    d.ID,
			ContainerID:     containerID,
			ContainerStatus: domain.ContainerStopped,
		}); err != nil && !errors.Is(err, repository.ErrConcluded) {
			s.logger.Warn("abort container record failed", "deployment_id", d.ID, "error", err)
		}
	}

	err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		Status:       domain.StatusCompleted,
		Conclusion:   domain.ConclusionCanceled,
	})
	if err != nil {
		// The cancel path already recorded (and counted) the conclusion.
		if errors.Is(err, repository.ErrConcluded) {
			s.logger.Info("start stage aborted", "deployment_id", d.ID)
			return nil
		}
		return err
	}
	s.notifyConcluded(domain.ConclusionCanceled)
	s.logger.Info("start stage aborted", "deployment_id", d.ID)
	return nil
}

func (s *Service) resolveMounts(ctx context.Context, d *domain.Deployment) ([]docker.MountSpec, error) {
	all, err := s.storage.ListMountsByProject(ctx, d.ProjectID)
	if err != nil {
		return nil, err
	}
	mounts := make([]docker.MountSpec, 0, len(all))
	for _, m := range all {
		if !m.AppliesTo(d.EnvironmentID) {
			continue
		}
		mounts = append(mounts, docker.MountSpec{
			Source: filepath.Join(s.cfg.HostDataDir, "storage", m.StorageID),
			Target: filepath.Join("/storage", m.Name),
		})
	}
	return mounts, nil
}

// composeCommand builds the shell pipeline that fetches the exact commit
// and runs the user's build, pre-deploy and start commands. Each user
// command runs in a subshell; the whole sequence stops at the first
// failure.
func (s *Service) composeCommand(ctx context.Context, d *domain.Deployment) ([]string, error) {
	token := ""
	if s.tokens != nil {
		var err error
		token, err = s.tokens(ctx, d.RepoFullName)
		if err != nil {
			return nil, fmt.Errorf("mint git credential: %v", err)
		}
	}

	parts := []string{
		fmt.Sprintf("echo 'Fetching %s@%s'", d.RepoFullName, shortSHA(d.CommitSHA)),
	}

	cloneURL := fmt.Sprintf("https://github.com/%s.git", d.RepoFullName)
	fetch := []string{
		"git init -q .",
		fmt.Sprintf("git remote add origin %s", shellQuote(cloneURL)),
		fmt.Sprintf("git fetch -q --depth 1 origin %s", shellQuote(d.CommitSHA)),
		"git checkout -q FETCH_HEAD",
	}
	if token != "" {
		// The askpass script exists only for the duration of the fetch.
		parts = append(parts,
			fmt.Sprintf("printf '#!/bin/sh\\necho %%s\\n' %s > /tmp/.git-askpass", shellQuote(token)),
			"chmod 700 /tmp/.git-askpass",
			"export GIT_ASKPASS=/tmp/.git-askpass GIT_TERMINAL_PROMPT=0",
		)
		fetch = append(fetch, "rm -f /tmp/.git-askpass")
	}
	parts = append(parts, fetch...)

	if root := strings.TrimSpace(d.Config.RootDirectory); root != "" {
		parts = append(parts,
			fmt.Sprintf("{ test -d %s || { echo 'Root directory %s not found' >&2; exit 1; }; }", shellQuote(root), root),
			fmt.Sprintf("cd %s", shellQuote(root)),
		)
	}

	if build := strings.TrimSpace(d.Config.BuildCommand); build != "" {
		parts = append(parts, "echo 'Running build command'", fmt.Sprintf("( %s )", build))
	}
	if pre := strings.TrimSpace(d.Config.PreDeployCommand); pre != "" {
		parts = append(parts, "echo 'Running pre-deploy command'", fmt.Sprintf("( %s )", pre))
	}
	parts = append(parts, "echo 'Starting application'", fmt.Sprintf("( %s )", strings.TrimSpace(d.Config.StartCommand)))

	return []string{"sh", "-c", strings.Join(parts, " && ")}, nil
}

// containerEnv assembles the environment the application can rely on. All
// engine-provided names share the DEVPUSH_ prefix; user variables are
// appended afterwards so they never shadow identity values accidentally
// reversed.
func (s *Service) containerEnv(d *domain.Deployment, project *domain.Project, env *domain.Environment) []string {
	envURL := fmt.Sprintf("%s://%s.%s", s.cfg.URLScheme, aliassvc.EnvironmentSubdomain(project.Slug, *env), s.cfg.DeployDomain)
	vars := []string{
		"DEVPUSH_DEPLOYMENT_ID=" + d.ID,
		"DEVPUSH_PROJECT_ID=" + d.ProjectID,
		"DEVPUSH_PROJECT_SLUG=" + project.Slug,
		"DEVPUSH_ENVIRONMENT_ID=" + d.EnvironmentID,
		"DEVPUSH_ENVIRONMENT_SLUG=" + env.Slug,
		"DEVPUSH_BRANCH=" + d.Branch,
		"DEVPUSH_COMMIT_SHA=" + d.CommitSHA,
		"DEVPUSH_COMMIT_AUTHOR=" + d.CommitMeta.Author,
		"DEVPUSH_COMMIT_MESSAGE=" + d.CommitMeta.Message,
		"DEVPUSH_URL=" + fmt.Sprintf("%s://%s.%s", s.cfg.URLScheme, deploymentSubdomain(project.Slug, d.ID), s.cfg.DeployDomain),
		"DEVPUSH_ENV_URL=" + envURL,
		"PORT=" + fmt.Sprintf("%d", s.cfg.AppPort),
	}
	if branchSub := aliassvc.BranchSubdomain(project.Slug, d.Branch); branchSub != "" {
		vars = append(vars, "DEVPUSH_BRANCH_URL="+fmt.Sprintf("%s://%s.%s", s.cfg.URLScheme, branchSub, s.cfg.DeployDomain))
	}
	cpus, memoryMB := s.clampResources(d)
	if cpus > 0 {
		vars = append(vars, fmt.Sprintf("DEVPUSH_CPUS=%g", cpus))
	}
	if memoryMB > 0 {
		vars = append(vars, fmt.Sprintf("DEVPUSH_MEMORY_MB=%d", memoryMB))
	}

	userKeys := make([]string, 0, len(d.EnvVars))
	for k := range d.EnvVars {
		userKeys = append(userKeys, k)
	}
	sort.Strings(userKeys)
	for _, k := range userKeys {
		vars = append(vars, k+"="+d.EnvVars[k])
	}
	return vars
}

// containerLabels identify the container for reconciliation and declare its
// Traefik service and direct-URL router. Priority 10 keeps alias routers
// (file provider, priority 20) ahead of the per-deployment host rule.
func (s *Service) containerLabels(d *domain.Deployment, project *domain.Project) map[string]string {
	router := "deployment-" + d.ID
	return map[string]string{
		docker.DeploymentIDLabel:  d.ID,
		docker.ProjectIDLabel:     d.ProjectID,
		docker.EnvironmentIDLabel: d.EnvironmentID,
		docker.BranchLabel:        d.Branch,
		"traefik.enable":          "true",
		"traefik.docker.network":  s.cfg.RunnerNetwork,
		fmt.Sprintf("traefik.http.routers.%s.rule", router):                      fmt.Sprintf("Host(`%s.%s`)", deploymentSubdomain(project.Slug, d.ID), s.cfg.DeployDomain),
		fmt.Sprintf("traefik.http.routers.%s.priority", router):                  "10",
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", router): fmt.Sprintf("%d", s.cfg.AppPort),
	}
}

// clampResources applies per-deployment overrides when the platform allows
// them, clamped to the configured ceilings. Exceeding a ceiling logs a
// warning and clamps, never fails.
func (s *Service) clampResources(d *domain.Deployment) (float64, int) {
	cpus := s.cfg.DefaultCPUs
	if d.Config.CPUs > 0 && s.cfg.AllowCustomCPU() {
		cpus = d.Config.CPUs
		if cpus > s.cfg.MaxCPUs {
			s.logger.Warn("cpu override exceeds ceiling, clamping",
				"deployment_id", d.ID, "requested", d.Config.CPUs, "max", s.cfg.MaxCPUs)
			cpus = s.cfg.MaxCPUs
		}
	}
	memoryMB := s.cfg.DefaultMemoryMB
	if d.Config.MemoryMB > 0 && s.cfg.AllowCustomMemory() {
		memoryMB = d.Config.MemoryMB
		if memoryMB > s.cfg.MaxMemoryMB {
			s.logger.Warn("memory override exceeds ceiling, clamping",
				"deployment_id", d.ID, "requested", d.Config.MemoryMB, "max", s.cfg.MaxMemoryMB)
			memoryMB = s.cfg.MaxMemoryMB
		}
	}
	return cpus, memoryMB
}

func (s *Service) serviceUser() string {
	if s.cfg.ServiceUID == 0 {
		return ""
	}
	return fmt.Sprintf("%d:%d", s.cfg.ServiceUID, s.cfg.ServiceGID)
}

func classifyCreateError(err error) string {
	switch {
	case docker.IsMissingImage(err):
		return "runner image not available on host"
	case docker.IsPortConflict(err):
		return "application port already in use on host"
	default:
		return fmt.Sprintf("container creation failed: %v", err)
	}
}

func deploymentSubdomain(projectSlug, deploymentID string) string {
	return fmt.Sprintf("%s-%s", projectSlug, shortSHA(strings.ReplaceAll(deploymentID, "-", "")))
}

func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func shortSHA(value string) string {
	if len(value) <= 7 {
		return value
	}
	return value[:7]
}
