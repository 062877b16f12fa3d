package queue

// IngestMsg asks the worker to admit content into a dataset. Content is raw
// bytes; JSON carries it base64-encoded.
type IngestMsg struct {
	TenantID  string   `json:"tenant_id"`
	DatasetID string   `json:"dataset_id"`
	Subject   string   `json:"subject"`
	Content   []byte   `json:"content"`
	Label     string   `json:"label,omitempty"`
	NodeSet   []string `json:"node_set,omitempty"`
}

// RunMsg asks the worker to drive a dataset through the pipeline.
type RunMsg struct {
	TenantID  string `json:"tenant_id"`
	DatasetID string `json:"dataset_id"`
	Subject   string `json:"subject"`
	Force     bool   `json:"force,omitempty"`
	Temporal  bool   `json:"temporal,omitempty"`
}
