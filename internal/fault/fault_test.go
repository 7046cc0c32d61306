package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errLimited = Transient(KindProvider, ReasonRateLimited, "rate limited")
	errBadCfg  = Permanent(KindValidation, ReasonNone, "bad config")
)

func TestAt_ClassifiesWrappedSentinel(t *testing.T) {
	err := At(StageEmbedding, fmt.Errorf("calling openai: %w", errLimited))

	assert.Equal(t, KindProvider, KindOf(err))
	assert.Equal(t, ReasonRateLimited, ReasonOf(err))
	assert.Equal(t, StageEmbedding, StageOf(err))
	assert.True(t, Retryable(err))
	assert.ErrorIs(t, err, errLimited)
	assert.Equal(t, "embedding: calling openai: rate limited", err.Error())
}

func TestAt_KeepsInnermostStage(t *testing.T) {
	inner := At(StageChunking, errBadCfg)
	outer := At(StageStoring, fmt.Errorf("job: %w", inner))

	assert.Equal(t, StageChunking, StageOf(outer))
	assert.Equal(t, KindValidation, KindOf(outer))
	assert.False(t, Retryable(outer))
}

func TestAt_Nil(t *testing.T) {
	require.NoError(t, At(StageParsing, nil))
}

func TestClassify_Unknown(t *testing.T) {
	err := At(StageStoring, errors.New("boom"))
	assert.Equal(t, KindInternal, KindOf(err))
	assert.False(t, Retryable(err))
}

func TestClassify_Canceled(t *testing.T) {
	err := At(StageEmbedding, fmt.Errorf("post: %w", context.Canceled))
	assert.Equal(t, KindCanceled, KindOf(err))
}

func TestNew(t *testing.T) {
	err := New(KindConflict, StageUpload, "document %q exists", "a.pdf")
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, `upload: document "a.pdf" exists`, err.Error())
}
