package dispatch

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/botmesh/limepipe/internal/lime"
	"github.com/botmesh/limepipe/internal/models"
)

func TestConvertMessage_Text(t *testing.T) {
	input, err := ConvertMessage(&lime.Message{
		Type:    models.MIMETextPlain,
		Content: json.RawMessage(`"hi there"`),
	})
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if input.Text != "hi there" || input.ImageURI != "" {
		t.Errorf("unexpected input %+v", input)
	}
}

func TestConvertMessage_MediaLink(t *testing.T) {
	input, err := ConvertMessage(&lime.Message{
		Type:    models.MIMEMediaLink,
		Content: json.RawMessage(`{"title":"Receipt","text":"March invoice","type":"image/png","uri":"https://files.example/r.png"}`),
	})
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if input.Text != "Receipt\nMarch invoice" {
		t.Errorf("expected title and text joined, got %q", input.Text)
	}
	if input.ImageURI != "https://files.example/r.png" {
		t.Errorf("expected media URI carried through, got %q", input.ImageURI)
	}
}

func TestConvertMessage_Select(t *testing.T) {
	input, err := ConvertMessage(&lime.Message{
		Type:    models.MIMESelect,
		Content: json.RawMessage(`{"text":"Pick one","options":[{"order":1,"text":"Soup"},{"order":2,"text":"Salad"}]}`),
	})
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	want := "Pick one\n1. Soup\n2. Salad"
	if input.Text != want {
		t.Errorf("expected %q, got %q", want, input.Text)
	}
}

func TestConvertMessage_CollectionFirstImageWins(t *testing.T) {
	items := `{"itemType":"application/vnd.lime.container+json","items":[` +
		`{"type":"application/vnd.lime.media-link+json","value":{"title":"first","uri":"https://files.example/a.png"}},` +
		`{"type":"application/vnd.lime.media-link+json","value":{"title":"second","uri":"https://files.example/b.png"}}]}`
	input, err := ConvertMessage(&lime.Message{
		Type:    models.MIMECollection,
		Content: json.RawMessage(items),
	})
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if input.ImageURI != "https://files.example/a.png" {
		t.Errorf("expected the first media URI, got %q", input.ImageURI)
	}
	if !strings.Contains(input.Text, "first") || !strings.Contains(input.Text, "second") {
		t.Errorf("expected all item texts joined, got %q", input.Text)
	}
}

func TestInputHistoryText(t *testing.T) {
	cases := []struct {
		name  string
		input Input
		want  string
	}{
		{"text only", Input{Text: "hi"}, "hi"},
		{"image only", Input{ImageURI: "https://files.example/a.png"}, "https://files.example/a.png"},
		{"text and image", Input{Text: "Receipt", ImageURI: "https://files.example/a.png"}, "Receipt\nhttps://files.example/a.png"},
	}
	for _, tc := range cases {
		if got := tc.input.HistoryText(); got != tc.want {
			t.Errorf("%s: HistoryText() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestConvertMessage_ChatStateRejected(t *testing.T) {
	_, err := ConvertMessage(&lime.Message{
		Type:    models.MIMEChatState,
		Content: json.RawMessage(`{"state":"composing"}`),
	})
	if err == nil {
		t.Error("chatstate content must not convert")
	}
}

func TestConvertMessage_UnknownType(t *testing.T) {
	_, err := ConvertMessage(&lime.Message{
		Type:    "application/x-unknown",
		Content: json.RawMessage(`{}`),
	})
	if err == nil {
		t.Error("unknown media type must not convert")
	}
}
