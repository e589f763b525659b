// Package lime implements a minimal Lime protocol client for the BLiP
// chat platform over websocket.
//
// It covers session establishment, inbound message receiving, outbound
// message sending, and the command request/response channel used for
// context variables.
package lime

import (
	"encoding/json"
	"strings"
)

// Session states exchanged during connection establishment.
const (
	SessionStateNew            = "new"
	SessionStateNegotiating    = "negotiating"
	SessionStateAuthenticating = "authenticating"
	SessionStateEstablished    = "established"
	SessionStateFinishing      = "finishing"
	SessionStateFinished       = "finished"
	SessionStateFailed         = "failed"
)

// CommandMethod identifies the action a command requests on its target URI.
type CommandMethod string

const (
	// CommandMethodGet fetches the current resource at the URI.
	CommandMethodGet CommandMethod = "get"
	// CommandMethodSet replaces the resource at the URI with the payload.
	CommandMethodSet CommandMethod = "set"
	// CommandMethodDelete removes the resource at the URI.
	CommandMethodDelete CommandMethod = "delete"
)

// CommandStatus is the outcome of a processed command.
type CommandStatus string

const (
	// CommandStatusSuccess means the resource body is authoritative.
	CommandStatusSuccess CommandStatus = "success"
	// CommandStatusFailure means the command failed; Reason says why.
	CommandStatusFailure CommandStatus = "failure"
)

// Lime reason codes consumed by LimePipe.
const (
	// ReasonCommandResourceNotFound distinguishes "no value yet" from
	// other command failures.
	ReasonCommandResourceNotFound = 67
)

// Reason describes why an envelope failed.
type Reason struct {
	Code        int    `json:"code"`
	Description string `json:"description,omitempty"`
}

// Authentication carries the key scheme credentials for session
// establishment.
type Authentication struct {
	Key string `json:"key,omitempty"`
}

// Session is the envelope exchanged while establishing a connection.
type Session struct {
	ID             string          `json:"id,omitempty"`
	From           string          `json:"from,omitempty"`
	To             string          `json:"to,omitempty"`
	State          string          `json:"state"`
	Scheme         string          `json:"scheme,omitempty"`
	SchemeOptions  []string        `json:"schemeOptions,omitempty"`
	Encryption     string          `json:"encryption,omitempty"`
	Compression    string          `json:"compression,omitempty"`
	Authentication *Authentication `json:"authentication,omitempty"`
	Reason         *Reason         `json:"reason,omitempty"`
}

// Message is a content envelope: something a participant said or that
// LimePipe says back. The body stays raw here; internal/models decodes
// it into a typed variant.
type Message struct {
	ID      string          `json:"id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Command is a single request/response unit of the remote context
// protocol. Requests carry Method and URI (and Resource for writes);
// responses carry Status and either Resource or Reason.
type Command struct {
	ID       string          `json:"id"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	Method   CommandMethod   `json:"method"`
	URI      string          `json:"uri,omitempty"`
	Type     string          `json:"type,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Status   CommandStatus   `json:"status,omitempty"`
	Reason   *Reason         `json:"reason,omitempty"`
}

// IsResourceNotFound reports whether a response command failed because
// the target resource does not exist.
func (c *Command) IsResourceNotFound() bool {
	return c.Status == CommandStatusFailure && c.Reason != nil && c.Reason.Code == ReasonCommandResourceNotFound
}

// Notification reports delivery progress of a previously sent envelope.
type Notification struct {
	ID     string  `json:"id"`
	From   string  `json:"from,omitempty"`
	To     string  `json:"to,omitempty"`
	Event  string  `json:"event"`
	Reason *Reason `json:"reason,omitempty"`
}

// envelopeProbe peeks at the discriminating fields of a raw envelope so
// the read loop can route it without a full decode.
type envelopeProbe struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	State  string `json:"state"`
	Event  string `json:"event"`
	Type   string `json:"type"`
}

// TrimInstance strips the instance suffix from a Lime node identity,
// reducing "name@domain/instance" to the "name@domain" identity a
// conversation is keyed by.
func TrimInstance(node string) string {
	if i := strings.IndexByte(node, '/'); i >= 0 {
		return node[:i]
	}
	return node
}
