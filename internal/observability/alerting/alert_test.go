package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	slack := &recordingNotifier{channel: ChannelSlack}
	ding := &recordingNotifier{channel: ChannelDingTalk, err: errors.New("down")}
	d := NewFanout(slack, ding, nil)

	err := d.Notify(context.Background(), Event{Code: "FUNDS_NOT_UPDATED", JobID: "job-1", OccurredAt: time.Now()})
	if err == nil || !strings.Contains(err.Error(), "dingtalk") {
		t.Fatalf("expected joined channel error, got %v", err)
	}
	if len(slack.events) != 1 || slack.events[0].Channel != ChannelSlack {
		t.Fatalf("slack did not receive the event: %+v", slack.events)
	}
	if got := d.Channels(); len(got) != 2 || got[0] != ChannelDingTalk {
		t.Fatalf("unexpected channels %v", got)
	}
}

func TestWebhookFormats(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL)
	event := Event{Code: "NO_DEPOSITS", Severity: "info", JobID: "job-2", Kind: "deposit", Message: "nothing to settle"}

	if err := (&DingTalkNotifier{Sender: hook.DingTalk()}).Notify(context.Background(), event); err != nil {
		t.Fatalf("dingtalk: %v", err)
	}
	if err := (&SlackNotifier{Sender: hook.Slack(), ChannelID: "#keeper"}).Notify(context.Background(), event); err != nil {
		t.Fatalf("slack: %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("expected two posts, got %d", len(bodies))
	}
	if bodies[0]["msgtype"] != "text" {
		t.Fatalf("unexpected dingtalk payload %v", bodies[0])
	}
	if bodies[1]["channel"] != "#keeper" || !strings.Contains(bodies[1]["text"].(string), "job-2") {
		t.Fatalf("unexpected slack payload %v", bodies[1])
	}
}

func TestWebhookReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL).Slack().Send(context.Background(), "", "x"); err == nil {
		t.Fatalf("expected error for 502")
	}
}
