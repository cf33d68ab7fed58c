package events

import (
	"github.com/tomyedwab/etes/monitor"
	"github.com/tomyedwab/etes/upstream"
)

func monitorSample() monitor.Sample {
	return monitor.Sample{Used: 512, Total: 1024}
}

func emptyUpstream() upstream.State {
	return upstream.State{Commits: []upstream.Commit{}, Releases: []upstream.Release{}, Pulls: []upstream.Pull{}}
}
