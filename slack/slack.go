// Package slack posts saved-meal summaries to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"nutrilens"
)

type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	webhookURL string
	httpClient doer
}

func NewClient(webhookURL string, httpClient doer) *Client {
	return &Client{
		webhookURL: webhookURL,
		httpClient: httpClient,
	}
}

func (c *Client) PostMessage(ctx context.Context, channel string, message string) error {
	payload, err := json.Marshal(map[string]any{
		"channel": channel,
		"text":    message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to post message: %s", resp.Status)
	}

	return nil
}

// Notifier announces saved meals on one channel.
type Notifier struct {
	client  *Client
	channel string
}

func NewNotifier(client *Client, channel string) *Notifier {
	return &Notifier{client: client, channel: channel}
}

func (n *Notifier) MealSaved(ctx context.Context, rec nutrilens.MealRecord) error {
	return n.client.PostMessage(ctx, n.channel, FormatMealSummary(rec))
}

// FormatMealSummary renders a meal as a short Slack mrkdwn message.
func FormatMealSummary(rec nutrilens.MealRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Meal logged: %d kcal* (%s, health score %d)\n",
		rec.Calories, rec.HealthClassification, rec.HealthScore)
	fmt.Fprintf(&b, "Protein %dg · Carbs %dg · Fats %dg\n", rec.Protein, rec.Carbs, rec.Fats)
	for _, it := range rec.FoodItems {
		if it.Portion != "" {
			fmt.Fprintf(&b, "• %s (%s): %d kcal\n", it.Name, it.Portion, it.Calories)
		} else {
			fmt.Fprintf(&b, "• %s: %d kcal\n", it.Name, it.Calories)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}
