package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"fleetline/internal/domain"
	"fleetline/internal/repo"
)

// DeploymentProgress is a deployment snapshot with counters recomputed
// from the authoritative command rows.
type DeploymentProgress struct {
	domain.Deployment
	CompletionPercentage int    `json:"completion_percentage"`
	InFlightDevices      int    `json:"in_flight_devices"`
	DurationSeconds      *int64 `json:"duration_seconds,omitempty"`
}

// DeploymentStatus returns live progress for one deployment. Counters and
// percentage always come from re-reading the command rows, never from
// in-memory watcher state.
func (e Engine) DeploymentStatus(ctx context.Context, id string) (DeploymentProgress, error) {
	dep, err := e.Repo.GetDeployment(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return DeploymentProgress{}, notFound("deployment", id)
		}
		return DeploymentProgress{}, err
	}
	return e.deploymentProgress(ctx, dep)
}

// DeploymentHistory lists recent deployments, newest first.
func (e Engine) DeploymentHistory(ctx context.Context, limit int) ([]DeploymentProgress, error) {
	return e.listProgress(ctx, limit, false)
}

// RealtimeStatus lists deployments still in flight.
func (e Engine) RealtimeStatus(ctx context.Context, limit int) ([]DeploymentProgress, error) {
	return e.listProgress(ctx, limit, true)
}

func (e Engine) listProgress(ctx context.Context, limit int, onlyActive bool) ([]DeploymentProgress, error) {
	deps, err := e.Repo.ListDeployments(ctx, limit, onlyActive)
	if err != nil {
		return nil, err
	}
	res := make([]DeploymentProgress, 0, len(deps))
	for _, dep := range deps {
		p, err := e.deploymentProgress(ctx, dep)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (e Engine) deploymentProgress(ctx context.Context, dep domain.Deployment) (DeploymentProgress, error) {
	cmds, err := e.Repo.ListCommandsByDeployment(ctx, dep.ID)
	if err != nil {
		return DeploymentProgress{}, err
	}

	var completed, failed, inFlight int
	var progressSum float64
	for _, c := range cmds {
		switch c.Status {
		case domain.CommandCompleted:
			completed++
			progressSum += 100
		case domain.CommandFailed:
			failed++
		default:
			inFlight++
			progressSum += float64(c.Progress)
		}
	}

	p := DeploymentProgress{Deployment: dep, InFlightDevices: inFlight}
	if !domain.DeploymentTerminal(dep.Status) {
		// The terminal record already carries the joined counters; a live
		// one shows what the rows say right now.
		p.CompletedDevices = completed
		p.FailedDevices = failed
	}
	if dep.TotalDevices > 0 {
		// Each device contributes its own 0-100; completed is 100, failed
		// and never-dispatched contribute 0.
		p.CompletionPercentage = int(math.Round(progressSum / float64(dep.TotalDevices)))
	}
	if dep.StartedAt != nil && !domain.DeploymentTerminal(dep.Status) {
		if started, err := time.Parse(time.RFC3339, *dep.StartedAt); err == nil {
			secs := int64(e.now().UTC().Sub(started).Seconds())
			if secs < 0 {
				secs = 0
			}
			p.DurationSeconds = &secs
		}
	}
	return p, nil
}
