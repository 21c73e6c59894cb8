package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/peerwatch/bgp-orchestrator/internal/catalog"
)

const chatTimeout = 30 * time.Second

var severityColors = map[catalog.Severity]string{
	catalog.SeverityCritical: "#FF0000",
	catalog.SeverityHigh:     "#FF8C00",
	catalog.SeverityMedium:   "#FFD700",
	catalog.SeverityLow:      "#87CEEB",
}

// fallbackColor covers info-level and unrecognized severities.
const fallbackColor = "#808080"

// ChatNotifier posts alerts to the NOC chat channel over an incoming
// webhook.
type ChatNotifier struct {
	webhookURL string
	channel    string
	http       *http.Client
	log        *zap.Logger
}

func NewChatNotifier(webhookURL, channel string, log *zap.Logger) *ChatNotifier {
	return &ChatNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		http:       &http.Client{Timeout: chatTimeout},
		log:        log,
	}
}

// Send posts one alert. The incident ID is included when the on-call channel
// produced one.
func (n *ChatNotifier) Send(ctx context.Context, a Alert, incidentID string) error {
	fields := []slack.AttachmentField{
		{Title: "Severity", Value: strings.ToUpper(string(a.Severity)), Short: true},
		{Title: "Time", Value: a.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
	}
	if incidentID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Incident ID", Value: incidentID, Short: true})
	}
	fields = append(fields, labelFields(a.Labels)...)

	color, ok := severityColors[a.Severity]
	if !ok {
		color = fallbackColor
	}

	msg := &slack.WebhookMessage{
		Channel:   n.channel,
		Username:  "BGP Orchestrator",
		IconEmoji: ":rotating_light:",
		Attachments: []slack.Attachment{{
			Color:  color,
			Title:  a.Title,
			Text:   a.Description,
			Fields: fields,
			Footer: "BGP Orchestrator",
			Ts:     json.Number(fmt.Sprintf("%d", a.CreatedAt.Unix())),
		}},
	}

	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.http, msg); err != nil {
		return fmt.Errorf("post chat alert: %w", err)
	}

	n.log.Info("alert sent to chat",
		zap.String("title", a.Title),
		zap.String("severity", string(a.Severity)))
	return nil
}

// labelFields renders alert labels as attachment fields in a stable order.
func labelFields(labels map[string]string) []slack.AttachmentField {
	keys := make([]string, 0, len(labels))
	for k, v := range labels {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]slack.AttachmentField, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, slack.AttachmentField{Title: k, Value: labels[k], Short: true})
	}
	return fields
}
