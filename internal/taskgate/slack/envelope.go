package slack

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Envelope types delivered over Socket Mode.
const (
	EnvelopeHello         = "hello"
	EnvelopeDisconnect    = "disconnect"
	EnvelopeSlashCommands = "slash_commands"
	EnvelopeEventsAPI     = "events_api"
	EnvelopeInteractive   = "interactive"
)

// Envelope is one Socket Mode frame.
type Envelope struct {
	EnvelopeID             string          `json:"envelope_id,omitempty"`
	Type                   string          `json:"type"`
	Payload                json.RawMessage `json:"payload,omitempty"`
	AcceptsResponsePayload bool            `json:"accepts_response_payload,omitempty"`
	RetryAttempt           int             `json:"retry_attempt,omitempty"`
	Reason                 string          `json:"reason,omitempty"`
}

type ack struct {
	EnvelopeID string `json:"envelope_id"`
}

// SlashCommand is the payload of a slash command invocation.
type SlashCommand struct {
	Command     string `json:"command"`
	Text        string `json:"text"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	TeamID      string `json:"team_id"`
	ResponseURL string `json:"response_url"`
	TriggerID   string `json:"trigger_id"`
}

// Args returns the trimmed argument text.
func (c SlashCommand) Args() string {
	return strings.TrimSpace(c.Text)
}

// SlashCommandFromForm reads a slash command from an HTTP form post.
func SlashCommandFromForm(v url.Values) SlashCommand {
	return SlashCommand{
		Command:     v.Get("command"),
		Text:        v.Get("text"),
		UserID:      v.Get("user_id"),
		UserName:    v.Get("user_name"),
		ChannelID:   v.Get("channel_id"),
		ChannelName: v.Get("channel_name"),
		TeamID:      v.Get("team_id"),
		ResponseURL: v.Get("response_url"),
		TriggerID:   v.Get("trigger_id"),
	}
}
