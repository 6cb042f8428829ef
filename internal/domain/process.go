package domain

import "encoding/json"

type ProcessStatus string

const (
	ProcessStopped     ProcessStatus = "stopped"
	ProcessStarting    ProcessStatus = "starting"
	ProcessRunning     ProcessStatus = "running"
	ProcessDegraded    ProcessStatus = "degraded"
	ProcessBreakerOpen ProcessStatus = "breaker-open"
	ProcessRestarting  ProcessStatus = "restarting"
)

type MessageType string

const (
	MessageStartup   MessageType = "startup"
	MessageInit      MessageType = "init"
	MessageMetrics   MessageType = "metrics"
	MessageHeartbeat MessageType = "heartbeat"
	MessageError     MessageType = "error"
	MessageShutdown  MessageType = "shutdown"
	MessageFatal     MessageType = "fatal"
)

// Message is one line of the worker process output stream, as written by
// the worker. Readers classify lines by Type and decode only what that type
// needs.
type Message struct {
	Type         MessageType     `json:"type"`
	Timestamp    float64         `json:"timestamp,omitempty"`
	Interval     int             `json:"interval,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	Count        int             `json:"count"`
	Items        []Item          `json:"items,omitempty"`
	Message      string          `json:"message,omitempty"`
	Trace        string          `json:"trace,omitempty"`
}

// Item is one collected result inside a metrics message. Its shape is owned
// by the worker, so it is kept raw.
type Item = json.RawMessage
