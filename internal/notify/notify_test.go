package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV1"
)

type fakeEvents struct {
	bodies []datadogV1.EventCreateRequest
	err    error
}

func (f *fakeEvents) CreateEvent(_ context.Context, body datadogV1.EventCreateRequest) (datadogV1.EventCreateResponse, *http.Response, error) {
	f.bodies = append(f.bodies, body)
	return datadogV1.EventCreateResponse{}, nil, f.err
}

func TestLogNotifierIncludesStageAndCause(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Log: slog.New(slog.NewTextHandler(&buf, nil))}

	err := n.NotifyFailure(context.Background(), Failure{
		RunID:       "run-1",
		Domain:      "customers",
		FailedStage: "match",
		Cause:       "schema mismatch",
	})
	if err != nil {
		t.Fatalf("NotifyFailure: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"run-1", "customers", "match", "schema mismatch"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q: %s", want, out)
		}
	}
}

func TestDatadogNotifierPostsOneEvent(t *testing.T) {
	f := &fakeEvents{}
	n := newDatadogNotifierWithAPI(f, []string{"env:test"})

	err := n.NotifyFailure(context.Background(), Failure{
		RunID:       "run-1",
		Domain:      "customers",
		FailedStage: "load",
		Cause:       "connection refused",
	})
	if err != nil {
		t.Fatalf("NotifyFailure: %v", err)
	}
	if len(f.bodies) != 1 {
		t.Fatalf("expected 1 event, got %d", len(f.bodies))
	}

	body := f.bodies[0]
	if !strings.Contains(body.Text, "connection refused") {
		t.Fatalf("event text missing cause: %q", body.Text)
	}
	if !strings.Contains(body.Title, "customers/load") {
		t.Fatalf("unexpected title: %q", body.Title)
	}
	var sawTag bool
	for _, tag := range body.Tags {
		if tag == "env:test" {
			sawTag = true
		}
	}
	if !sawTag {
		t.Fatalf("configured tag not applied: %v", body.Tags)
	}
}

func TestDatadogNotifierWrapsPostError(t *testing.T) {
	f := &fakeEvents{err: errors.New("403")}
	n := newDatadogNotifierWithAPI(f, nil)

	err := n.NotifyFailure(context.Background(), Failure{RunID: "run-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, f.err) {
		t.Fatalf("expected wrapped post error, got %v", err)
	}
}
