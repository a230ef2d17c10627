package webhook

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kylemclaren/device-tasks/internal/db"
)

// Discord handles Discord webhook notifications
type Discord struct {
	client *http.Client
}

// NewDiscord creates a new Discord webhook handler
func NewDiscord() *Discord {
	return &Discord{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

// EmbedField represents a field in a Discord embed
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// EmbedFooter represents the footer of a Discord embed
type EmbedFooter struct {
	Text string `json:"text"`
}

// DiscordPayload represents the webhook payload
type DiscordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// SendResult sends a finished task to Discord
func (d *Discord) SendResult(webhookURL string, task *db.Task) error {
	look := badgeFor(task.Status)

	// Discord has a 4096 char limit for embed descriptions; the end of the log is what matters
	output := logTail(task.Log, 3500)
	if output == "" {
		output = "*No log output*"
	} else {
		output = "```\n" + output + "\n```"
	}

	embed := DiscordEmbed{
		Title:       fmt.Sprintf("%s Task #%d: %s", look.emoji, task.ID, task.ScriptName),
		Description: output,
		Color:       look.rgb,
		Fields: []EmbedField{
			{Name: "Status", Value: string(task.Status), Inline: true},
			{Name: "Duration", Value: duration(task), Inline: true},
			{Name: "Device", Value: fmt.Sprintf("`%s`", task.DeviceURI), Inline: true},
		},
		Timestamp: task.CreatedAt.Format(time.RFC3339),
		Footer:    &EmbedFooter{Text: "Device Tasks"},
	}

	if task.LatestScreenshot != "" {
		embed.Fields = append(embed.Fields, EmbedField{
			Name:   "Latest screenshot",
			Value:  fmt.Sprintf("`%s`", task.LatestScreenshot),
			Inline: false,
		})
	}

	return postJSON(d.client, webhookURL, DiscordPayload{Embeds: []DiscordEmbed{embed}})
}
