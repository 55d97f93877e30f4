package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook 通过 HTTP POST 投递机器人消息，同时满足钉钉与 Slack 的发送接口。
type Webhook struct {
	URL    string
	Client *http.Client
}

// NewWebhook 创建 Webhook 发送器。
func NewWebhook(url string) *Webhook {
	return &Webhook{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

type dingTalkText struct {
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

type slackMessage struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// DingTalk 返回钉钉机器人格式的发送器。
func (w *Webhook) DingTalk() DingTalkSender { return dingTalkSender{w} }

// Slack 返回 Slack incoming webhook 格式的发送器。
func (w *Webhook) Slack() SlackSender { return slackSender{w} }

type dingTalkSender struct{ w *Webhook }

func (s dingTalkSender) Send(ctx context.Context, content string) error {
	var msg dingTalkText
	msg.MsgType = "text"
	msg.Text.Content = content
	return s.w.post(ctx, msg)
}

type slackSender struct{ w *Webhook }

func (s slackSender) Send(ctx context.Context, channel, content string) error {
	return s.w.post(ctx, slackMessage{Channel: channel, Text: content})
}

func (w *Webhook) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码告警消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("告警 webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}
