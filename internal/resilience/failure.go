package resilience

import (
	"time"

	"github.com/sells-group/commsync/internal/model"
)

const maxFailureMessage = 500

// NewFailure builds the checkpoint error entry for a failed record.
func NewFailure(recordType, recordID string, err error, at time.Time) model.ImportError {
	kind := KindOf(err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return model.ImportError{
		RecordID:   recordID,
		RecordType: recordType,
		Kind:       kind.String(),
		Critical:   kind.Critical(),
		Error:      model.Truncate(msg, maxFailureMessage),
		OccurredAt: at.UTC(),
	}
}
