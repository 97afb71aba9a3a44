package sentry

import (
	"testing"

	"github.com/getsentry/sentry-go"
)

func TestScrubEvent_RedactsSensitiveHeaders(t *testing.T) {
	event := &sentry.Event{
		Request: &sentry.Request{
			Headers: map[string]string{
				"Authorization": "Bearer secret-token",
				"Cookie":        "session=abc123",
				"Content-Type":  "application/json",
			},
		},
	}

	result := ScrubEvent(event, nil)

	if result.Request.Headers["Authorization"] != "[Filtered]" {
		t.Errorf("expected Authorization to be [Filtered], got %s", result.Request.Headers["Authorization"])
	}
	if result.Request.Headers["Cookie"] != "[Filtered]" {
		t.Errorf("expected Cookie to be [Filtered], got %s", result.Request.Headers["Cookie"])
	}
	if result.Request.Headers["Content-Type"] != "application/json" {
		t.Errorf("expected Content-Type to be preserved, got %s", result.Request.Headers["Content-Type"])
	}
}

func TestScrubEvent_StripsRequestBody(t *testing.T) {
	event := &sentry.Event{
		Request: &sentry.Request{
			Data: `{"meetingToken":"abc123","joinSecret":"xyz789"}`,
		},
	}

	result := ScrubEvent(event, nil)

	if result.Request.Data != "" {
		t.Errorf("expected request body to be stripped, got %s", result.Request.Data)
	}
}

func TestScrubEvent_ScrubsSensitiveTagsAndBreadcrumbs(t *testing.T) {
	event := &sentry.Event{
		Tags: map[string]string{
			"environment": "production",
			"token":       "secret-value",
		},
		Breadcrumbs: []*sentry.Breadcrumb{
			{Data: map[string]interface{}{
				"joinSecret": "deadbeef",
				"sessionId":  "sess-1",
			}},
		},
	}

	result := ScrubEvent(event, nil)

	if result.Tags["token"] != "[Filtered]" {
		t.Errorf("expected token tag to be [Filtered], got %s", result.Tags["token"])
	}
	if result.Tags["environment"] != "production" {
		t.Errorf("expected environment tag to be preserved, got %s", result.Tags["environment"])
	}
	if result.Breadcrumbs[0].Data["joinSecret"] != "[Filtered]" {
		t.Errorf("expected joinSecret breadcrumb to be [Filtered], got %v", result.Breadcrumbs[0].Data["joinSecret"])
	}
	if result.Breadcrumbs[0].Data["sessionId"] != "sess-1" {
		t.Errorf("expected sessionId breadcrumb to be preserved, got %v", result.Breadcrumbs[0].Data["sessionId"])
	}
}
