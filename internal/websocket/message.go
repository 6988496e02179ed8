// Package websocket pushes server events to connected GUI clients over a
// topic-based pub/sub hub built on gorilla/websocket. The executor publishes
// run transitions, the health poller publishes node transitions.
//
// Topic naming convention:
//
//	jobs         run transitions for every sync job (dashboard view)
//	job:<uuid>   run transitions for one sync job (detail view)
//	node:<uuid>  online/offline transitions for one node
package websocket

// MessageType identifies the kind of event carried by a Message. The GUI
// dispatches on this field.
type MessageType string

const (
	// MsgJobStatus is sent when a run starts or finishes.
	MsgJobStatus MessageType = "job.status"

	// MsgNodeStatus is sent when a node goes online or offline.
	MsgNodeStatus MessageType = "node.status"

	// MsgDatasetRefresh is sent when a node's dataset inventory has been
	// re-read, so open dataset views can reload.
	MsgDatasetRefresh MessageType = "dataset.refresh"
)

// Message is the envelope for every frame sent to clients.
//
// JSON example:
//
//	{"type":"job.status","topic":"job:018f...","payload":{"status":"running"}}
type Message struct {
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel the message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data:
	//   - job.status:      {"job_id":"...","status":"running|success|failed","transferred":"..."}
	//   - node.status:     {"node_id":"...","online":true}
	//   - dataset.refresh: {"node_id":"..."}
	Payload any `json:"payload"`
}
