package dispatch

import (
	"fmt"
	"strings"

	"github.com/botmesh/limepipe/internal/lime"
	"github.com/botmesh/limepipe/internal/models"
)

// Input is the application-logic input shape an inbound message is
// converted into: the textual content plus the image URI when the
// message carried media.
type Input struct {
	Text     string
	ImageURI string
}

// HistoryText renders the input as the single text body persisted in the
// conversation history. The image reference stays next to the text so
// replayed history carries what the responder answered.
func (in Input) HistoryText() string {
	switch {
	case in.ImageURI == "":
		return in.Text
	case in.Text == "":
		return in.ImageURI
	default:
		return in.Text + "\n" + in.ImageURI
	}
}

// ConvertMessage converts an inbound Lime message into the responder
// input shape. The switch over content variants is exhaustive; chatstate
// messages are rejected by the predicate before conversion and are an
// error here.
func ConvertMessage(msg *lime.Message) (Input, error) {
	content, err := models.DecodeContent(msg.Type, msg.Content)
	if err != nil {
		return Input{}, err
	}
	return convertContent(content)
}

func convertContent(content models.Content) (Input, error) {
	switch v := content.(type) {
	case models.TextContent:
		return Input{Text: v.Text}, nil
	case models.MediaLinkContent:
		parts := make([]string, 0, 2)
		if v.Title != "" {
			parts = append(parts, v.Title)
		}
		if v.Text != "" {
			parts = append(parts, v.Text)
		}
		return Input{Text: strings.Join(parts, "\n"), ImageURI: v.URI}, nil
	case models.SelectContent:
		var b strings.Builder
		b.WriteString(v.Text)
		for _, opt := range v.Options {
			fmt.Fprintf(&b, "\n%d. %s", opt.Order, opt.Text)
		}
		return Input{Text: b.String()}, nil
	case models.CollectionContent:
		var texts []string
		var imageURI string
		for _, item := range v.Items {
			converted, err := convertContent(item)
			if err != nil {
				return Input{}, err
			}
			if converted.Text != "" {
				texts = append(texts, converted.Text)
			}
			if imageURI == "" {
				imageURI = converted.ImageURI
			}
		}
		return Input{Text: strings.Join(texts, "\n"), ImageURI: imageURI}, nil
	case models.ChatStateContent:
		return Input{}, fmt.Errorf("chatstate message is transient and has no convertible content")
	default:
		return Input{}, fmt.Errorf("unsupported content type %T", content)
	}
}
