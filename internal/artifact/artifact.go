package artifact

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	State int

	// StagedArtifact is a single video tracked from the moment it
	// starts being written to the staging directory until it has been
	// uploaded (and deleted) or has failed permanently.
	StagedArtifact struct {
		ID        uuid.UUID `json:"id"`
		LocalPath string    `json:"path"`
		SizeBytes int64     `json:"size_bytes"`
		SourceID  string    `json:"source_id"`
		CreatedAt time.Time `json:"created_at"`
		State     State     `json:"state"`
	}
)

const (
	Writing State = iota
	Complete
	Uploading
	Uploaded
	Failed
)

var allowedTransitions = map[State][]State{
	Writing:   {Complete, Failed},
	Complete:  {Uploading},
	Uploading: {Complete, Uploaded, Failed},
	Failed:    {Complete},
}

// Transition moves the artifact to the state provided. Only the
// transitions of the staging state machine are allowed; anything
// else returns an error and leaves the artifact untouched.
func (a *StagedArtifact) Transition(to State) error {
	for _, allowed := range allowedTransitions[a.State] {
		if allowed == to {
			a.State = to
			return nil
		}
	}

	return fmt.Errorf("illegal artifact transition %s -> %s for %s", a.State, to, a.LocalPath)
}

func (a *StagedArtifact) String() string {
	return fmt.Sprintf("StagedArtifact{ID=%s source=%s state=%s}", a.ID, a.SourceID, a.State)
}

func (s State) String() string {
	switch s {
	case Writing:
		return "WRITING"
	case Complete:
		return "COMPLETE"
	case Uploading:
		return "UPLOADING"
	case Uploaded:
		return "UPLOADED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
