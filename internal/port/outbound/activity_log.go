package outbound

import "context"

// ActivityEvent records a single completed tool call for audit purposes.
type ActivityEvent struct {
	ProjectID      string
	ClientSession  string
	ServerName     string
	ToolName       string
	NamespacedName string
	Success        bool
	ErrorMessage   string
	DurationMillis int64
}

// ActivityLogSink receives completed tool-call events. The proxy never
// reads this data back; it is a one-way sink, narrow by design so the
// proxy carries no dependency on whatever audit/storage system the
// operator chooses.
type ActivityLogSink interface {
	// Record stores or forwards a single activity event. Implementations
	// should not block the caller on slow downstream I/O; the reference
	// in-process adapter just logs.
	Record(ctx context.Context, event ActivityEvent) error
}
