package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kalambet/docvec/internal/fault"
)

// State is one step of a job's lifecycle.
type State string

const (
	StatePending     State = "pending"
	StateParsing     State = "parsing"
	StateChunking    State = "chunking"
	StateCacheLookup State = "cache_lookup"
	StateCacheHit    State = "cache_hit"
	StateEmbedding   State = "embedding"
	StateStoring     State = "storing"
	StateReported    State = "reported"
	StateDone        State = "done"
	StateDeleting    State = "deleting"
	StateRemoved     State = "removed"
	StateFailed      State = "failed"
)

// Job kinds, also used as metric labels.
const (
	KindText   = "embed_text"
	KindImage  = "embed_image"
	KindRemove = "remove"
)

// transitions lists the successors of every non-terminal state. Failed is
// reachable from all of them and is not listed. Image jobs skip parsing and
// chunking, removal jobs go straight to deleting.
var transitions = map[State][]State{
	StatePending:     {StateParsing, StateCacheLookup, StateDeleting},
	StateParsing:     {StateChunking},
	StateChunking:    {StateCacheLookup},
	StateCacheLookup: {StateCacheHit, StateEmbedding},
	StateCacheHit:    {StateStoring},
	StateEmbedding:   {StateStoring},
	StateStoring:     {StateReported},
	StateReported:    {StateDone},
	StateDeleting:    {StateRemoved},
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateRemoved || s == StateFailed
}

// JobInfo is a snapshot of an in-flight job.
type JobInfo struct {
	Key       string    `json:"key"`
	Kind      string    `json:"kind"`
	State     State     `json:"state"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
}

type job struct {
	key     string
	kind    string
	started time.Time

	mu      sync.Mutex
	state   State
	attempt int
	history []State
	err     error
}

func newJob(key, kind string) *job {
	return &job{key: key, kind: kind, started: time.Now(), state: StatePending, attempt: 1, history: []State{StatePending}}
}

// advance moves the job to next. An illegal move is a bug in the caller and
// is reported as an internal error.
func (j *job) advance(next State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if next != StateFailed && !slices.Contains(transitions[j.state], next) {
		return fault.New(fault.KindInternal, "", "job %s: illegal transition %s -> %s", j.key, j.state, next)
	}
	if j.state.Terminal() {
		return fault.New(fault.KindInternal, "", "job %s: already %s", j.key, j.state)
	}
	j.state = next
	j.history = append(j.history, next)
	return nil
}

// retry puts the job back to pending for another attempt.
func (j *job) retry() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempt++
	j.state = StatePending
	j.history = append(j.history, StatePending)
}

func (j *job) fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.state = StateFailed
	j.history = append(j.history, StateFailed)
	j.err = err
}

func (j *job) info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobInfo{Key: j.key, Kind: j.kind, State: j.state, Attempt: j.attempt, StartedAt: j.started}
}

func (j *job) path() []State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.history)
}

func textKey(documentID, collectionID string) string {
	return fmt.Sprintf("text/%s/%s", documentID, collectionID)
}

func imageKey(imageID, collectionID string) string {
	return fmt.Sprintf("image/%s/%s", imageID, collectionID)
}

// describedImageKey extends imageKey with a digest of the description.
func describedImageKey(imageID, collectionID, description string) string {
	if description == "" {
		return imageKey(imageID, collectionID)
	}
	sum := sha256.Sum256([]byte(description))
	return imageKey(imageID, collectionID) + "#" + hex.EncodeToString(sum[:6])
}
