package taskmgr

import (
	"time"

	"a2arunner/pkg/task"
)

// Task is the manager's view of one task.
type Task struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Handler   string          `json:"handler"`
	Status    task.Status     `json:"status"`
	Artifacts []task.Artifact `json:"artifacts,omitempty"`
	History   []task.Message  `json:"history,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (r *record) snapshot() *Task {
	t := r.Task
	t.Artifacts = append([]task.Artifact(nil), r.Artifacts...)
	t.History = append([]task.Message(nil), r.History...)
	return &t
}

// addArtifact stores a, extending the artifact at the same index when a is
// an append chunk.
func (r *record) addArtifact(a task.Artifact) {
	if a.Append {
		for i := range r.Artifacts {
			if r.Artifacts[i].Index == a.Index {
				r.Artifacts[i].Parts = append(r.Artifacts[i].Parts, a.Parts...)
				r.Artifacts[i].LastChunk = a.LastChunk
				return
			}
		}
	}
	r.Artifacts = append(r.Artifacts, a)
}
