package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewDocumentID generates a unique document ID with the "doc_" prefix
// Format: doc_<uuid>
func NewDocumentID() string {
	return "doc_" + uuid.New().String()
}

// NewWorkerID generates a worker identity used for job claims and URL leases.
// Format: worker_<uuid>
func NewWorkerID() string {
	return "worker_" + uuid.New().String()
}

// NewEventID generates a unique crawl log event ID.
// Format: evt_<uuid>
func NewEventID() string {
	return "evt_" + uuid.New().String()
}
