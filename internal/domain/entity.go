// Package domain holds the wire-level data model shared between the worker
// protocol, the session pool, and the gateway. It has no dependencies on
// other packages.
package domain

// MessageKind enumerates the tagged variants a Worker emits on its iopub
// channel.
type MessageKind string

const (
	KindStream        MessageKind = "stream"
	KindDisplayData   MessageKind = "display_data"
	KindExecuteResult MessageKind = "execute_result"
	KindError         MessageKind = "error"
	KindStatus        MessageKind = "status"
	KindExecuteInput  MessageKind = "execute_input"
)

// StreamPayload is the payload of a "stream" Worker Message.
type StreamPayload struct {
	Name string `json:"name"` // "stdout" or "stderr"
	Text string `json:"text"`
}

// DataPayload is the payload of a "display_data" or "execute_result"
// Worker Message: a mapping from MIME type to its rendering. Only
// image/png and text/plain are surfaced by the Execution Loop.
type DataPayload struct {
	ImagePNG  string `json:"image/png,omitempty"`  // base64-encoded
	TextPlain string `json:"text/plain,omitempty"`
}

// ErrorPayload is the payload of an "error" Worker Message.
type ErrorPayload struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// StatusPayload is the payload of a "status" Worker Message.
type StatusPayload struct {
	State string `json:"state"` // "idle", "busy", "starting"
}

// WorkerMessage is the tagged record a Worker emits on iopub. Exactly one
// of the payload fields is populated, matching Kind.
type WorkerMessage struct {
	Kind   MessageKind    `json:"kind"`
	Stream *StreamPayload `json:"stream,omitempty"`
	Data   *DataPayload   `json:"data,omitempty"`
	Error  *ErrorPayload  `json:"error,omitempty"`
	Status *StatusPayload `json:"status,omitempty"`
}

// OutputEvent is what the Gateway emits to clients: a sum type of
// text / image / error. Only one of the three shapes is populated per
// event, which is what makes each marshaled OutputEvent match the NDJSON
// line schema exactly (empty fields are omitted).
type OutputEvent struct {
	Text      string   `json:"text,omitempty"`
	Image     string   `json:"image,omitempty"`
	Format    string   `json:"format,omitempty"`
	Error     string   `json:"error,omitempty"`
	Traceback []string `json:"traceback,omitempty"`
}

// TextEvent builds a text OutputEvent.
func TextEvent(text string) OutputEvent {
	return OutputEvent{Text: text}
}

// ImageEvent builds a PNG image OutputEvent. data is already base64-encoded.
func ImageEvent(base64PNG string) OutputEvent {
	return OutputEvent{Image: base64PNG, Format: "png"}
}

// ErrorEvent builds an error OutputEvent.
func ErrorEvent(message string, traceback []string) OutputEvent {
	return OutputEvent{Error: message, Traceback: traceback}
}

// IsEmpty reports whether the event carries nothing worth yielding (used
// by the Execution Loop to skip suppressed message kinds).
func (e OutputEvent) IsEmpty() bool {
	return e.Text == "" && e.Image == "" && e.Error == ""
}

// AggregatedResult is the body of spec §4.7's /execute_sync envelope: the
// whole OutputEvent stream folded into three parallel slices.
type AggregatedResult struct {
	Texts  []string          `json:"texts"`
	Images []string          `json:"images"`
	Errors []AggregatedError `json:"errors"`
}

// AggregatedError is one entry of AggregatedResult.Errors.
type AggregatedError struct {
	Error     string   `json:"error"`
	Traceback []string `json:"traceback"`
}
