package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeContent_Text(t *testing.T) {
	c, err := DecodeContent(MIMETextPlain, json.RawMessage(`"hi"`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	text, ok := c.(TextContent)
	if !ok || text.Text != "hi" {
		t.Errorf("expected TextContent 'hi', got %#v", c)
	}
}

func TestDecodeContent_UnquotedTextFallback(t *testing.T) {
	c, err := DecodeContent(MIMETextPlain, json.RawMessage(`hi there`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	text, ok := c.(TextContent)
	if !ok || text.Text != "hi there" {
		t.Errorf("expected unquoted body preserved, got %#v", c)
	}
}

func TestDecodeContent_ChatState(t *testing.T) {
	c, err := DecodeContent(MIMEChatState, json.RawMessage(`{"state":"composing"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	state, ok := c.(ChatStateContent)
	if !ok || state.State != "composing" {
		t.Errorf("expected composing chatstate, got %#v", c)
	}
}

func TestDecodeContent_UnknownType(t *testing.T) {
	if _, err := DecodeContent("application/x-unknown", json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for unknown media type")
	}
}

func TestEncodeDecodeContent_Collection(t *testing.T) {
	original := CollectionContent{Items: []Content{
		TextContent{Text: "see attached"},
		MediaLinkContent{Title: "Receipt", Type: "image/png", URI: "https://files.example/r.png"},
	}}
	raw, err := EncodeContent(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeContent(MIMECollection, raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	collection, ok := decoded.(CollectionContent)
	if !ok || len(collection.Items) != 2 {
		t.Fatalf("expected two collection items, got %#v", decoded)
	}
	if text, ok := collection.Items[0].(TextContent); !ok || text.Text != "see attached" {
		t.Errorf("unexpected first item %#v", collection.Items[0])
	}
	if media, ok := collection.Items[1].(MediaLinkContent); !ok || media.URI != "https://files.example/r.png" {
		t.Errorf("unexpected second item %#v", collection.Items[1])
	}
}

func TestEncodeContent_EmptySelect(t *testing.T) {
	if _, err := EncodeContent(SelectContent{Text: "Pick"}); !errors.Is(err, ErrEmptySelectOptions) {
		t.Errorf("expected ErrEmptySelectOptions, got %v", err)
	}
}

func TestEncodeContent_EmptyCollection(t *testing.T) {
	if _, err := EncodeContent(CollectionContent{}); !errors.Is(err, ErrEmptyCollection) {
		t.Errorf("expected ErrEmptyCollection, got %v", err)
	}
}

func TestTurnValidate(t *testing.T) {
	for _, role := range []Role{RoleUser, RoleAssistant, RoleSystem} {
		if err := (Turn{Role: role, Content: "x"}).Validate(); err != nil {
			t.Errorf("role %q should be valid: %v", role, err)
		}
	}
	if err := (Turn{Role: "robot", Content: "x"}).Validate(); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
}

func TestReplyIsPlainReply(t *testing.T) {
	cases := []struct {
		name  string
		reply Reply
		want  bool
	}{
		{"text only", Reply{Text: "hello"}, true},
		{"empty", Reply{}, false},
		{"tool calls only", Reply{ToolCalls: []ToolCall{{ID: "c1"}}}, false},
		{"text with tool calls", Reply{Text: "x", ToolCalls: []ToolCall{{ID: "c1"}}}, false},
	}
	for _, tc := range cases {
		if got := tc.reply.IsPlainReply(); got != tc.want {
			t.Errorf("%s: IsPlainReply() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
