package engine

import (
	"github.com/looplab/fsm"

	"fleetline/internal/domain"
)

// Deployment transitions, keyed by target status. pending and in_progress
// can both abort straight to failed or canceled; terminal states are dead
// ends.
var deploymentEvents = fsm.Events{
	{Name: domain.DeploymentInProgress, Src: []string{domain.DeploymentPending}, Dst: domain.DeploymentInProgress},
	{Name: domain.DeploymentCompleted, Src: []string{domain.DeploymentInProgress}, Dst: domain.DeploymentCompleted},
	{Name: domain.DeploymentFailed, Src: []string{domain.DeploymentPending, domain.DeploymentInProgress}, Dst: domain.DeploymentFailed},
	{Name: domain.DeploymentPartial, Src: []string{domain.DeploymentInProgress}, Dst: domain.DeploymentPartial},
	{Name: domain.DeploymentCanceled, Src: []string{domain.DeploymentPending, domain.DeploymentInProgress}, Dst: domain.DeploymentCanceled},
}

func ensureDeploymentTransition(current, next string) error {
	f := fsm.NewFSM(current, deploymentEvents, fsm.Callbacks{})
	if !f.Can(next) {
		return validationf("deployment cannot move from %s to %s", current, next)
	}
	return nil
}
