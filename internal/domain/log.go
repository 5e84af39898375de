package domain

import "time"

// Log sources for build output.
const (
	LogSourceInstall  = "install"
	LogSourceBuild    = "build"
	LogSourcePipeline = "pipeline"
)

// ProjectLog represents a log line emitted while a deployment runs.
type ProjectLog struct {
	ID           int64
	ProjectID    string
	DeploymentID string
	Source       string
	Level        string
	Message      string
	CreatedAt    time.Time
}
