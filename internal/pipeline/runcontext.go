// Package pipeline drives one extract, match, load run through its state
// machine and persists the run's context after every mutation.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"entitypipeline/internal/matching"
)

// Stage is one discrete unit of work within a run.
type Stage string

const (
	StageExtract Stage = "extract"
	StageMatch   Stage = "match"
	StageLoad    Stage = "load"
)

// stageOrder is the fixed sequence a run moves through.
var stageOrder = []Stage{StageExtract, StageMatch, StageLoad}

// StageState is the recorded status of one stage.
type StageState string

const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageSucceeded StageState = "succeeded"
	StageFailed    StageState = "failed"
)

// RunContext is the unit of state threaded through a single run. It is
// created once by NewRunContext, mutated by each stage, and persisted to the
// object store after every mutation so a later process can resume from the
// last completed stage instead of restarting from extract.
type RunContext struct {
	RunID       string `json:"run_id"`
	Domain      string `json:"domain"`
	ProcessDate string `json:"process_date"`

	SourceLocation string `json:"source_location,omitempty"`
	OutputLocation string `json:"output_location,omitempty"`

	RecordCountIn      int `json:"record_count_in"`
	RecordCountMatched int `json:"record_count_matched"`

	StageStatus map[Stage]StageState `json:"stage_status"`

	Job *matching.MatchJob `json:"match_job,omitempty"`

	FailedStage  Stage  `json:"failed_stage,omitempty"`
	FailureCause string `json:"failure_cause,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRunContext creates the context for a fresh run with a new run ID and
// all stages pending.
func NewRunContext(domain, processDate string, now time.Time) *RunContext {
	return &RunContext{
		RunID:       uuid.NewString(),
		Domain:      domain,
		ProcessDate: processDate,
		StageStatus: map[Stage]StageState{
			StageExtract: StagePending,
			StageMatch:   StagePending,
			StageLoad:    StagePending,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetStage records a stage transition. Succeeded is sticky: once a stage
// reaches it, later calls cannot move it back. A failed stage may return to
// running when a resumed run re-executes it.
func (rc *RunContext) SetStage(stage Stage, state StageState) {
	if rc.StageStatus == nil {
		rc.StageStatus = make(map[Stage]StageState)
	}
	if rc.StageStatus[stage] == StageSucceeded && state != StageSucceeded {
		return
	}
	rc.StageStatus[stage] = state
}

// NextStage returns the first stage that has not succeeded, in run order,
// and false if every stage has succeeded.
func (rc *RunContext) NextStage() (Stage, bool) {
	for _, s := range stageOrder {
		if rc.StageStatus[s] != StageSucceeded {
			return s, true
		}
	}
	return "", false
}

// Succeeded reports whether every stage completed.
func (rc *RunContext) Succeeded() bool {
	_, more := rc.NextStage()
	return !more
}

// MetadataKey is the object-store key holding the serialized context for one
// run, relative to the configured prefix.
func MetadataKey(prefix, runID string) string {
	return prefix + "runs/" + runID + ".json"
}

// InputKey is the object-store key the extract stage writes records to.
func InputKey(prefix, domain, processDate, runID string) string {
	return fmt.Sprintf("%sinput/%s/%s/%s/entity_data.json", prefix, domain, processDate, runID)
}

// OutputPrefix is the object-store prefix the matching service writes
// results under for one run.
func OutputPrefix(prefix, domain, processDate, runID string) string {
	return fmt.Sprintf("%soutput/%s/%s/%s/", prefix, domain, processDate, runID)
}

// metadataStore is the slice of the object store the context store needs.
type metadataStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// ContextStore persists run contexts as one JSON object per run ID under a
// well-known object-store path.
type ContextStore struct {
	store  metadataStore
	prefix string

	// now is an unexported seam for tests.
	now func() time.Time
}

// NewContextStore builds a context store writing under prefix.
func NewContextStore(store metadataStore, prefix string) *ContextStore {
	return &ContextStore{store: store, prefix: prefix, now: time.Now}
}

// Save writes the context, stamping UpdatedAt. Called after every stage
// transition; the object store replaces atomically, so a reader never sees
// a partial write.
func (s *ContextStore) Save(ctx context.Context, rc *RunContext) error {
	rc.UpdatedAt = s.now().UTC()
	data, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run context %s: %w", rc.RunID, err)
	}
	return s.store.Put(ctx, MetadataKey(s.prefix, rc.RunID), data)
}

// Load reads the context for one run ID.
func (s *ContextStore) Load(ctx context.Context, runID string) (*RunContext, error) {
	data, err := s.store.Get(ctx, MetadataKey(s.prefix, runID))
	if err != nil {
		return nil, err
	}
	var rc RunContext
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("unmarshal run context %s: %w", runID, err)
	}
	return &rc, nil
}
