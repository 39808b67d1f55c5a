package chat

import (
	"strings"
	"unicode/utf16"

	"github.com/lucasb-eyer/go-colorful"
)

// Kind classifies a display record for presentation.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindSystem    Kind = "system"
	KindError     Kind = "error"
)

// Label colour parameters: readable on dark terminals.
const (
	labelSaturation = 0.70
	labelLightness  = 0.60
)

// AssistantSignature marks a chat message carrying an assistant reply. The
// provider label follows it in parentheses.
const AssistantSignature = "\n— AI ("

// DisplayRecord is a rendered chat message. It is never mutated after
// being appended to a Log.
type DisplayRecord struct {
	Username    string
	Content     string
	DisplayTime string
	Hue         int
	Color       string // hex, e.g. "#5ad1e6"
	Kind        Kind
}

// Renderer turns inbound frames into display records and appends them to
// its log.
type Renderer struct {
	log *Log
}

// NewRenderer creates a renderer appending to log. A nil log renders
// without recording.
func NewRenderer(log *Log) *Renderer {
	return &Renderer{log: log}
}

// Render decodes payload and appends the resulting record. Malformed
// payloads return a *ParseError and append nothing.
func (r *Renderer) Render(payload []byte) (DisplayRecord, error) {
	msg, err := Decode(payload)
	if err != nil {
		return DisplayRecord{}, err
	}
	return r.RenderMessage(msg), nil
}

// RenderMessage maps an already decoded frame and appends it.
func (r *Renderer) RenderMessage(msg Inbound) DisplayRecord {
	rec := NewRecord(msg)
	if r.log != nil {
		r.log.Append(rec)
	}
	return rec
}

// NewRecord maps a frame to a record without touching any log.
func NewRecord(msg Inbound) DisplayRecord {
	hue := Hue(msg.Username)
	kind := KindUser
	if strings.Contains(msg.Content, AssistantSignature) {
		kind = KindAssistant
	}
	return DisplayRecord{
		Username:    msg.Username,
		Content:     msg.Content,
		DisplayTime: msg.displayTime(),
		Hue:         hue,
		Color:       HueColor(hue),
		Kind:        kind,
	}
}

// Notice builds a local record that did not come from the server.
func Notice(kind Kind, author, content string) DisplayRecord {
	hue := Hue(author)
	return DisplayRecord{
		Username: author,
		Content:  content,
		Hue:      hue,
		Color:    HueColor(hue),
		Kind:     kind,
	}
}

// Hue maps a username to a stable hue in [0, 360), matching the site's
// colours. The name's UTF-16 code units are folded with h = c + (h<<5) - h.
// Only the shift wraps to 32 bits; the running sum does not.
func Hue(username string) int {
	var h int64
	for _, c := range utf16.Encode([]rune(username)) {
		h = int64(c) + int64(int32(h)<<5) - h
	}
	return int(((h % 360) + 360) % 360)
}

// HueColor returns hsl(hue, 70%, 60%) as a hex colour.
func HueColor(hue int) string {
	return colorful.Hsl(float64(hue), labelSaturation, labelLightness).Hex()
}
