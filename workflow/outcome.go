package workflow

import "time"

// OutcomeStatus is the structured result every event attempt returns to the
// scheduler. Nothing else crosses the per-tenant iteration.
type OutcomeStatus string

const (
	OutcomeApplied        OutcomeStatus = "applied"
	OutcomeAlreadyApplied OutcomeStatus = "already_applied"
	OutcomeQuarantined    OutcomeStatus = "quarantined"
	OutcomeRetryLater     OutcomeStatus = "retry_later"
)

type Outcome struct {
	Status     OutcomeStatus
	EventId    int
	DocumentId int
	// Err is set for quarantined and retry_later.
	Err *ProcessingError
	// RetryAt is set for retry_later.
	RetryAt *time.Time
}

func applied(eventId, documentId int) Outcome {
	return Outcome{Status: OutcomeApplied, EventId: eventId, DocumentId: documentId}
}

func alreadyApplied(eventId int) Outcome {
	return Outcome{Status: OutcomeAlreadyApplied, EventId: eventId}
}

func quarantined(eventId int, err *ProcessingError) Outcome {
	return Outcome{Status: OutcomeQuarantined, EventId: eventId, Err: err}
}

func retryLater(eventId int, err *ProcessingError, at time.Time) Outcome {
	return Outcome{Status: OutcomeRetryLater, EventId: eventId, Err: err, RetryAt: &at}
}
