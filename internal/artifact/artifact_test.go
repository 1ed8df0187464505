package artifact_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hbomb79/Clipsync/internal/artifact"
	"github.com/stretchr/testify/assert"
)

func Test_Transition_FollowsStateMachine(t *testing.T) {
	t.Parallel()
	a := &artifact.StagedArtifact{LocalPath: "/tmp/a.mp4", State: artifact.Writing}

	assert.NoError(t, a.Transition(artifact.Complete))
	assert.NoError(t, a.Transition(artifact.Uploading))
	assert.NoError(t, a.Transition(artifact.Uploaded))
	assert.Error(t, a.Transition(artifact.Uploading), "uploaded artifacts are terminal")
	assert.Equal(t, artifact.Uploaded, a.State)
}

func Test_Transition_RejectsUploadOfWritingArtifact(t *testing.T) {
	t.Parallel()
	a := &artifact.StagedArtifact{State: artifact.Writing}

	assert.Error(t, a.Transition(artifact.Uploading))
	assert.Equal(t, artifact.Writing, a.State)
}

func Test_Error_MatchesKindSentinel(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection reset")
	err := fmt.Errorf("upload job: %w", artifact.TransferError(cause, "PUT returned %d", 503))

	assert.ErrorIs(t, err, artifact.ErrTransfer)
	assert.NotErrorIs(t, err, artifact.ErrAuth)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, artifact.KindTransfer, artifact.KindOf(err))
	assert.Equal(t, "transfer error: PUT returned 503: connection reset", artifact.TransferError(cause, "PUT returned %d", 503).Error())
}

func Test_KindOf_UnknownForForeignErrors(t *testing.T) {
	t.Parallel()
	assert.Equal(t, artifact.KindUnknown, artifact.KindOf(errors.New("boom")))
}
