package controlpanel

import (
	"github.com/tomyedwab/etes/events"
	"github.com/tomyedwab/etes/metrics"
	"github.com/tomyedwab/etes/upstream"
)

// UpstreamNotifier forwards cache results to control panels and counts
// them.
type UpstreamNotifier struct {
	Hub     *events.Hub
	Metrics *metrics.Metrics
}

func (n UpstreamNotifier) StateChanged(state upstream.State) {
	n.Metrics.RefreshCompleted(nil)
	n.Hub.StateChanged(state)
}

func (n UpstreamNotifier) RefreshFailed(err error) {
	n.Metrics.RefreshCompleted(err)
	n.Hub.RefreshFailed(err)
}
