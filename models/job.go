package models

// IngestPayload is the body of an ingest job.
type IngestPayload struct {
	Source     string `json:"source"`
	IndexName  string `json:"indexName"`
	ObjectKey  string `json:"objectKey"`
	DocumentID string `json:"documentId,omitempty"`
}

type JobRequest struct {
	Source    string `json:"source" binding:"required"`
	ObjectKey string `json:"objectKey" binding:"required"`
	PDFURL    string `json:"pdfUrl,omitempty"`
}

type JobResponse struct {
	JobID      string `json:"jobId"`
	TaskID     string `json:"taskId,omitempty"`
	DocumentID string `json:"documentId,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}
