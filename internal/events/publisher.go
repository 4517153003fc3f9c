package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hunvreus/devpush/internal/domain"
)

// Event types appended to the update streams.
const (
	TypeCreation       = "deployment_creation"
	TypeStatusUpdate   = "deployment_status_update"
	TypeObservedUpdate = "deployment_observed_update"
	TypeRollback       = "deployment_rollback"
)

// Streams are capped so slow or absent consumers never grow them unbounded.
const streamMaxLen = 1000

// Publisher appends deployment lifecycle events to Redis streams. One
// stream per project carries everything; one stream per deployment carries
// only that deployment's status changes, for focused consumers.
type Publisher struct {
	client *redis.Client
	now    func() time.Time
}

// NewPublisher constructs a Publisher.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client, now: time.Now}
}

func projectStream(projectID string) string {
	return fmt.Sprintf("stream:project:%s:updates", projectID)
}

func deploymentStream(projectID, deploymentID string) string {
	return fmt.Sprintf("stream:project:%s:deployment:%s:status", projectID, deploymentID)
}

// DeploymentCreated announces a new deployment on the project stream.
func (p *Publisher) DeploymentCreated(ctx context.Context, d *domain.Deployment) error {
	payload := map[string]any{
		"deployment_id":  d.ID,
		"environment_id": d.EnvironmentID,
		"branch":         d.Branch,
		"commit_sha":     d.CommitSHA,
		"status":         d.Status,
		"trigger":        d.Trigger,
	}
	return p.append(ctx, TypeCreation, d.ProjectID, "", payload)
}

// StatusUpdated announces a lifecycle transition on both streams.
func (p *Publisher) StatusUpdated(ctx context.Context, d *domain.Deployment) error {
	payload := map[string]any{
		"deployment_id": d.ID,
		"status":        d.Status,
	}
	if d.Conclusion != "" {
		payload["conclusion"] = d.Conclusion
	}
	if d.Error != nil {
		payload["error_stage"] = d.Error.Stage
		payload["error_message"] = d.Error.Message
	}
	return p.append(ctx, TypeStatusUpdate, d.ProjectID, d.ID, payload)
}

// ObservedUpdated announces a change in runtime-observed state.
func (p *Publisher) ObservedUpdated(ctx context.Context, projectID string, update domain.ObservedUpdate) error {
	payload := map[string]any{
		"deployment_id":   update.DeploymentID,
		"observed_status": update.Status,
		"missing_count":   update.MissingCount,
	}
	if update.ExitCode != nil {
		payload["exit_code"] = *update.ExitCode
	}
	return p.append(ctx, TypeObservedUpdate, projectID, update.DeploymentID, payload)
}

// RollbackPerformed announces an alias rollback on the project stream.
func (p *Publisher) RollbackPerformed(ctx context.Context, projectID, subdomain, fromDeploymentID, toDeploymentID string) error {
	payload := map[string]any{
		"subdomain":          subdomain,
		"from_deployment_id": fromDeploymentID,
		"to_deployment_id":   toDeploymentID,
	}
	return p.append(ctx, TypeRollback, projectID, "", payload)
}

func (p *Publisher) append(ctx context.Context, eventType, projectID, deploymentID string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	values := map[string]any{
		"event":     eventType,
		"data":      data,
		"timestamp": p.now().UTC().Format(time.RFC3339Nano),
	}

	streams := []string{projectStream(projectID)}
	if deploymentID != "" {
		streams = append(streams, deploymentStream(projectID, deploymentID))
	}
	for _, stream := range streams {
		err := p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: values,
		}).Err()
		if err != nil {
			return fmt.Errorf("append %s to %s: %w", eventType, stream, err)
		}
	}
	return nil
}
