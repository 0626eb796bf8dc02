package model

import "time"

// Bounds for the history lists kept in a checkpoint file.
const (
	MaxCheckpointHistory = 20
	MaxCheckpointErrors  = 100
)

// ImportStats are the running counters of a batch-import run.
type ImportStats struct {
	Conversations  int `json:"conversations" yaml:"conversations"`
	Messages       int `json:"messages" yaml:"messages"`
	Calls          int `json:"calls" yaml:"calls"`
	Recordings     int `json:"recordings" yaml:"recordings"`
	Summaries      int `json:"summaries" yaml:"summaries"`
	Transcripts    int `json:"transcripts" yaml:"transcripts"`
	Created        int `json:"created" yaml:"created"`
	Updated        int `json:"updated" yaml:"updated"`
	Failed         int `json:"failed" yaml:"failed"`
	CriticalErrors int `json:"critical_errors" yaml:"critical_errors"`
}

// CheckpointSave is one entry of the checkpoint save history.
type CheckpointSave struct {
	ConversationsProcessed int       `json:"conversations_processed" yaml:"conversations_processed"`
	PageToken              string    `json:"page_token,omitempty" yaml:"page_token,omitempty"`
	PageOffset             int       `json:"page_offset" yaml:"page_offset"`
	SavedAt                time.Time `json:"saved_at" yaml:"saved_at"`
}

// ImportError is a recorded per-record failure.
type ImportError struct {
	RecordID   string    `json:"record_id" yaml:"record_id"`
	RecordType string    `json:"record_type" yaml:"record_type"`
	Kind       string    `json:"kind" yaml:"kind"`
	Critical   bool      `json:"critical" yaml:"critical"`
	Error      string    `json:"error" yaml:"error"`
	OccurredAt time.Time `json:"occurred_at" yaml:"occurred_at"`
}

// ImportCheckpoint is the persisted progress cursor of a batch-import run.
// PageToken is the token of the page being worked; PageOffset counts the
// conversations of that page already committed.
type ImportCheckpoint struct {
	ConversationsProcessed int              `json:"conversations_processed" yaml:"conversations_processed"`
	LastConversationID     string           `json:"last_conversation_id,omitempty" yaml:"last_conversation_id,omitempty"`
	PageToken              string           `json:"page_token,omitempty" yaml:"page_token,omitempty"`
	PageOffset             int              `json:"page_offset" yaml:"page_offset"`
	StartedAt              time.Time        `json:"started_at" yaml:"started_at"`
	UpdatedAt              time.Time        `json:"updated_at" yaml:"updated_at"`
	Stats                  ImportStats      `json:"stats" yaml:"stats"`
	Checkpoints            []CheckpointSave `json:"checkpoints" yaml:"checkpoints"`
	Errors                 []ImportError    `json:"errors" yaml:"errors"`
}

// AddError appends err, keeping only the most recent MaxCheckpointErrors.
func (c *ImportCheckpoint) AddError(e ImportError) {
	c.Errors = append(c.Errors, e)
	if len(c.Errors) > MaxCheckpointErrors {
		c.Errors = c.Errors[len(c.Errors)-MaxCheckpointErrors:]
	}
}

// RecordSave appends the current cursor to the save history.
func (c *ImportCheckpoint) RecordSave(at time.Time) {
	c.Checkpoints = append(c.Checkpoints, CheckpointSave{
		ConversationsProcessed: c.ConversationsProcessed,
		PageToken:              c.PageToken,
		PageOffset:             c.PageOffset,
		SavedAt:                at,
	})
	if len(c.Checkpoints) > MaxCheckpointHistory {
		c.Checkpoints = c.Checkpoints[len(c.Checkpoints)-MaxCheckpointHistory:]
	}
}
