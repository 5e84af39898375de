package domain

import "time"

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

const (
	StatusPending  DeploymentStatus = "pending"
	StatusBuilding DeploymentStatus = "building"
	StatusSuccess  DeploymentStatus = "success"
	StatusError    DeploymentStatus = "error"
)

// DeploymentTransitions lists the allowed next states for each status.
// pending → building → (success | error). Terminal states have no exits.
var DeploymentTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending:  {StatusBuilding},
	StatusBuilding: {StatusSuccess, StatusError},
	StatusSuccess:  {},
	StatusError:    {},
}

// CanTransition reports whether a deployment may move from one status to another.
func CanTransition(from, to DeploymentStatus) bool {
	for _, s := range DeploymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for success and error.
func IsTerminal(status DeploymentStatus) bool {
	return status == StatusSuccess || status == StatusError
}

// Valid reports whether status is one of the known values.
func (s DeploymentStatus) Valid() bool {
	_, ok := DeploymentTransitions[s]
	return ok
}

func (s DeploymentStatus) String() string {
	return string(s)
}

// Deployment captures a single deployment attempt.
type Deployment struct {
	ID             string
	ProjectID      string
	Status         DeploymentStatus
	Stage          string
	URL            string
	CommitMessage  string
	Framework      string
	PackageManager string
	Error          string
	Log            string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

// DeploymentStatusUpdate describes one state transition. From is the status
// the record is expected to hold; the update is rejected otherwise.
type DeploymentStatusUpdate struct {
	DeploymentID   string
	From           DeploymentStatus
	Status         DeploymentStatus
	Stage          string
	URL            string
	Framework      string
	PackageManager string
	Error          string
	Log            string
	At             time.Time
}
