package webhook

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kylemclaren/device-tasks/internal/db"
)

// Slack handles Slack webhook notifications
type Slack struct {
	client *http.Client
}

// NewSlack creates a new Slack webhook handler
func NewSlack() *Slack {
	return &Slack{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type     string         `json:"type"`
	Text     *SlackTextObj  `json:"text,omitempty"`
	Fields   []SlackTextObj `json:"fields,omitempty"`
	Elements []SlackElement `json:"elements,omitempty"`
}

// SlackTextObj represents a Slack text object
type SlackTextObj struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// SlackElement represents a Slack element (for context blocks)
type SlackElement struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SlackAttachment represents a Slack attachment (for colored sidebar)
type SlackAttachment struct {
	Color  string       `json:"color"`
	Blocks []SlackBlock `json:"blocks"`
}

// SlackPayload represents the webhook payload
type SlackPayload struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SendResult sends a finished task to Slack
func (s *Slack) SendResult(webhookURL string, task *db.Task) error {
	look := badgeFor(task.Status)

	output := logTail(task.Log, 2500)
	if output == "" {
		output = "_No log output_"
	} else {
		output = "```" + output + "```"
	}

	started := "-"
	if task.StartedAt != nil {
		started = fmt.Sprintf("<!date^%d^{date_short} {time}|%s>", task.StartedAt.Unix(), task.StartedAt.Format(time.RFC3339))
	}

	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObj{
				Type:  "plain_text",
				Text:  fmt.Sprintf("%s Task #%d: %s", look.slackEmoji, task.ID, task.ScriptName),
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObj{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Status:*\n%s", task.Status)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Duration:*\n%s", duration(task))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Device:*\n`%s`", task.DeviceURI)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Started:*\n%s", started)},
			},
		},
		{Type: "divider"},
		{Type: "section", Text: &SlackTextObj{Type: "mrkdwn", Text: output}},
		{Type: "context", Elements: []SlackElement{{Type: "mrkdwn", Text: "Device Tasks"}}},
	}

	return postJSON(s.client, webhookURL, SlackPayload{
		Attachments: []SlackAttachment{{Color: look.hexColor(), Blocks: blocks}},
	})
}
