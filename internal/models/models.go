// Package models defines the core data structures for LimePipe.
//
// It includes the typed message-content variants used on the Lime wire,
// conversation turns persisted as history, and responder output shapes,
// which are shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Lime media types used by the BLiP platform.
const (
	// MIMETextPlain is the media type for plain text messages.
	MIMETextPlain = "text/plain"
	// MIMEMediaLink is the media type for externally hosted media messages.
	MIMEMediaLink = "application/vnd.lime.media-link+json"
	// MIMESelect is the media type for menu (option select) messages.
	MIMESelect = "application/vnd.lime.select+json"
	// MIMECollection is the media type for multi-item collection messages.
	MIMECollection = "application/vnd.lime.collection+json"
	// MIMEContainer is the item type for heterogeneous collection items.
	MIMEContainer = "application/vnd.lime.container+json"
	// MIMEChatState is the media type for typing/presence chatstate events.
	// Chatstate messages are transient indicators, never content.
	MIMEChatState = "application/vnd.lime.chatstate+json"
)

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrEmptyContent       = errors.New("message content cannot be empty")
	ErrInvalidRole        = errors.New("invalid turn role")
	ErrEmptySelectOptions = errors.New("select content requires at least one option")
	ErrEmptyCollection    = errors.New("collection content requires at least one item")
)

// Content is the closed set of message body variants LimePipe sends and
// receives. Every site that constructs or consumes a body switches
// exhaustively on the concrete type; there is no open-ended payload.
type Content interface {
	// MediaType returns the Lime media type tag for this content variant.
	MediaType() string
}

// TextContent is a plain text message body.
type TextContent struct {
	Text string
}

// MediaType implements Content.
func (TextContent) MediaType() string { return MIMETextPlain }

// MediaLinkContent is an externally hosted media body (image, document).
type MediaLinkContent struct {
	Title       string `json:"title,omitempty"`
	Text        string `json:"text,omitempty"`
	Type        string `json:"type,omitempty"`
	URI         string `json:"uri"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

// MediaType implements Content.
func (MediaLinkContent) MediaType() string { return MIMEMediaLink }

// SelectOption is one selectable entry of a menu message.
type SelectOption struct {
	Order int    `json:"order"`
	Text  string `json:"text"`
}

// SelectContent is a menu message body with a text header and options.
type SelectContent struct {
	Text    string         `json:"text"`
	Options []SelectOption `json:"options"`
}

// MediaType implements Content.
func (SelectContent) MediaType() string { return MIMESelect }

// CollectionContent is a multi-item message body. Items are themselves
// typed content variants; the wire shape carries each item's media type
// alongside its value.
type CollectionContent struct {
	Items []Content
}

// MediaType implements Content.
func (CollectionContent) MediaType() string { return MIMECollection }

// ChatStateContent is a transient typing/presence indicator, e.g.
// "composing" or "paused". It is filtered out before dispatch.
type ChatStateContent struct {
	State string `json:"state"`
}

// MediaType implements Content.
func (ChatStateContent) MediaType() string { return MIMEChatState }

// collectionItem is the wire shape of one collection entry.
type collectionItem struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// collectionWire is the wire shape of a collection body.
type collectionWire struct {
	ItemType string           `json:"itemType"`
	Items    []collectionItem `json:"items"`
}

// DecodeContent decodes a raw Lime message body into its typed variant
// based on the media type tag. Unknown media types are an error; callers
// filter chatstate and other transient types before decoding if they do
// not want them.
func DecodeContent(mediaType string, raw json.RawMessage) (Content, error) {
	switch mediaType {
	case MIMETextPlain:
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			// Some gateways send text bodies unquoted.
			return TextContent{Text: string(raw)}, nil
		}
		return TextContent{Text: text}, nil
	case MIMEMediaLink:
		var c MediaLinkContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("failed to decode media link content: %w", err)
		}
		return c, nil
	case MIMESelect:
		var c SelectContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("failed to decode select content: %w", err)
		}
		return c, nil
	case MIMECollection:
		var wire collectionWire
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("failed to decode collection content: %w", err)
		}
		c := CollectionContent{Items: make([]Content, 0, len(wire.Items))}
		for i, item := range wire.Items {
			decoded, err := DecodeContent(item.Type, item.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to decode collection item %d: %w", i, err)
			}
			c.Items = append(c.Items, decoded)
		}
		return c, nil
	case MIMEChatState:
		var c ChatStateContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("failed to decode chatstate content: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported media type %q", mediaType)
	}
}

// EncodeContent encodes a typed content variant into its raw Lime body.
func EncodeContent(c Content) (json.RawMessage, error) {
	switch v := c.(type) {
	case TextContent:
		return json.Marshal(v.Text)
	case MediaLinkContent:
		return json.Marshal(v)
	case SelectContent:
		if len(v.Options) == 0 {
			return nil, ErrEmptySelectOptions
		}
		return json.Marshal(v)
	case CollectionContent:
		if len(v.Items) == 0 {
			return nil, ErrEmptyCollection
		}
		wire := collectionWire{ItemType: MIMEContainer, Items: make([]collectionItem, 0, len(v.Items))}
		for i, item := range v.Items {
			value, err := EncodeContent(item)
			if err != nil {
				return nil, fmt.Errorf("failed to encode collection item %d: %w", i, err)
			}
			wire.Items = append(wire.Items, collectionItem{Type: item.MediaType(), Value: value})
		}
		return json.Marshal(wire)
	case ChatStateContent:
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("unsupported content type %T", c)
	}
}

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleUser marks a turn authored by the chat participant.
	RoleUser Role = "user"
	// RoleAssistant marks a turn authored by the application.
	RoleAssistant Role = "assistant"
	// RoleSystem marks an instruction turn.
	RoleSystem Role = "system"
)

// IsValidRole checks if the given role is supported.
func IsValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Turn is one entry in a conversation history. The whole ordered turn
// list is serialized as a single JSON blob when persisted.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Validate checks that the turn carries a supported role.
func (t Turn) Validate() error {
	if !IsValidRole(t.Role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, t.Role)
	}
	return nil
}

// ToolCall is a tool invocation requested by the responder instead of a
// plain reply. LimePipe never executes these itself; they are passed
// through for an external collaborator to act on.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Reply is the result of one responder invocation. When ToolCalls is
// empty and Text is set, the dispatcher sends Text back to the sender;
// any other shape produces no automatic outbound message.
type Reply struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// IsPlainReply reports whether the reply is a plain assistant answer
// with no further action requested.
func (r Reply) IsPlainReply() bool {
	return r.Text != "" && len(r.ToolCalls) == 0
}
