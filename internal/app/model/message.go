package model

import "encoding/json"

// Platform limits applied when building outbound messages.
const (
	MaxEmbedsPerMessage = 10
	MaxEmbedFields      = 25
	MaxFieldValueLength = 1024
	MaxFieldNameLength  = 256
	MaxEmbedTitleLength = 256
	DefaultEmbedColor   = 0x5865F2
)

// Message is the normalized form handed to a channel sender. Embeds are kept
// as raw JSON so caller-supplied embeds pass through untouched.
type Message struct {
	Content string
	Embeds  []json.RawMessage
}

// Empty reports whether there is nothing to send.
func (m Message) Empty() bool {
	return m.Content == "" && len(m.Embeds) == 0
}

// Embed is the shape used for embeds the relay builds itself.
type Embed struct {
	Title     string       `json:"title,omitempty"`
	Color     int          `json:"color,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
	Footer    *EmbedFooter `json:"footer,omitempty"`
	Fields    []EmbedField `json:"fields,omitempty"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}
