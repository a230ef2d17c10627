// Package webhook notifies chat channels when a task finishes.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kylemclaren/device-tasks/internal/db"
)

func postJSON(client *http.Client, webhookURL string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest("POST", webhookURL, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// logTail returns at most max bytes from the end of the log, cut at a line boundary
func logTail(log string, max int) string {
	log = strings.TrimRight(log, "\n")
	if len(log) <= max {
		return log
	}
	start := len(log) - max
	for start < len(log) && !utf8.RuneStart(log[start]) {
		start++
	}
	tail := log[start:]
	if i := strings.IndexByte(tail, '\n'); i >= 0 {
		tail = tail[i+1:]
	}
	return "...\n" + tail
}

// badge is how a status is shown in chat messages
type badge struct {
	rgb        int
	emoji      string
	slackEmoji string
}

var badges = map[db.TaskStatus]badge{
	db.TaskSuccess:  {rgb: 0x00FF00, emoji: "✅", slackEmoji: ":white_check_mark:"},
	db.TaskFailed:   {rgb: 0xFF0000, emoji: "❌", slackEmoji: ":x:"},
	db.TaskCanceled: {rgb: 0x808080, emoji: "⏹️", slackEmoji: ":black_square_for_stop:"},
}

func badgeFor(s db.TaskStatus) badge {
	if b, ok := badges[s]; ok {
		return b
	}
	return badge{rgb: 0xFFFF00, emoji: "⏳", slackEmoji: ":hourglass:"}
}

// hexColor renders the badge colour the way Slack attachments expect it
func (b badge) hexColor() string {
	return fmt.Sprintf("#%06X", b.rgb)
}

func duration(task *db.Task) string {
	if task.StartedAt == nil {
		return "not started"
	}
	if task.CompletedAt == nil {
		return "running"
	}
	return task.CompletedAt.Sub(*task.StartedAt).Round(time.Second).String()
}
