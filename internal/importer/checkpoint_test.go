package importer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/commsync/internal/model"
)

func TestCheckpointFile_LoadMissing(t *testing.T) {
	f := NewCheckpointFile(filepath.Join(t.TempDir(), "none.json"))
	cp, err := f.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpointFile_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "checkpoint.json")
	f := NewCheckpointFile(path)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cp := &model.ImportCheckpoint{
		ConversationsProcessed: 42,
		LastConversationID:     "CN42",
		PageToken:              "tok-2",
		PageOffset:             17,
		StartedAt:              at,
		UpdatedAt:              at.Add(time.Minute),
		Stats:                  model.ImportStats{Conversations: 42, Messages: 300, Failed: 1},
	}
	cp.AddError(model.ImportError{RecordID: "MSG1", RecordType: "message", Kind: "malformed", Error: "bad", OccurredAt: at})
	cp.RecordSave(at)
	require.NoError(t, f.Save(cp))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")

	got, err := f.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 42, got.ConversationsProcessed)
	assert.Equal(t, "tok-2", got.PageToken)
	assert.Equal(t, 17, got.PageOffset)
	assert.True(t, got.StartedAt.Equal(at))
	assert.Equal(t, 300, got.Stats.Messages)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "MSG1", got.Errors[0].RecordID)
	require.Len(t, got.Checkpoints, 1)
	assert.Equal(t, 17, got.Checkpoints[0].PageOffset)
}

func TestCheckpointFile_SaveOverwrites(t *testing.T) {
	f := NewCheckpointFile(filepath.Join(t.TempDir(), "checkpoint.json"))
	require.NoError(t, f.Save(&model.ImportCheckpoint{ConversationsProcessed: 1}))
	require.NoError(t, f.Save(&model.ImportCheckpoint{ConversationsProcessed: 2}))

	got, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, got.ConversationsProcessed)
}

func TestCheckpointFile_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewCheckpointFile(path).Load()
	assert.Error(t, err)
}

func TestCheckpointFile_Delete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	f := NewCheckpointFile(path)
	require.NoError(t, f.Save(&model.ImportCheckpoint{}))

	require.NoError(t, f.Delete())
	assert.NoFileExists(t, path)
	require.NoError(t, f.Delete(), "deleting a missing checkpoint is not an error")
}

func TestImportCheckpoint_BoundedHistory(t *testing.T) {
	cp := &model.ImportCheckpoint{}
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < model.MaxCheckpointErrors+20; i++ {
		cp.AddError(model.ImportError{RecordID: "R", OccurredAt: at})
	}
	for i := 0; i < model.MaxCheckpointHistory+5; i++ {
		cp.ConversationsProcessed = i
		cp.RecordSave(at)
	}
	assert.Len(t, cp.Errors, model.MaxCheckpointErrors)
	assert.Len(t, cp.Checkpoints, model.MaxCheckpointHistory)
	assert.Equal(t, model.MaxCheckpointHistory+4, cp.Checkpoints[len(cp.Checkpoints)-1].ConversationsProcessed)
}
