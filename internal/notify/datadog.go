package notify

import (
	"context"
	"fmt"
	"net/http"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV1"
)

// eventPoster is the minimal interface over the Datadog events API.
// The SDK only ships the concrete *datadogV1.EventsApi; tests inject a fake.
type eventPoster interface {
	CreateEvent(ctx context.Context, body datadogV1.EventCreateRequest) (datadogV1.EventCreateResponse, *http.Response, error)
}

// DatadogNotifier posts one Datadog event per failed run.
type DatadogNotifier struct {
	api  eventPoster
	ctx  context.Context
	tags []string
}

// NewDatadogNotifier builds a notifier using the official client. API keys
// come from the standard DD_API_KEY/DD_APP_KEY environment, the same way the
// metrics backend authenticates.
func NewDatadogNotifier(parent context.Context, tags []string) *DatadogNotifier {
	client := dd.NewAPIClient(dd.NewConfiguration())
	return &DatadogNotifier{
		api:  datadogV1.NewEventsApi(client),
		ctx:  dd.NewDefaultContext(parent),
		tags: tags,
	}
}

func newDatadogNotifierWithAPI(api eventPoster, tags []string) *DatadogNotifier {
	return &DatadogNotifier{api: api, ctx: context.Background(), tags: tags}
}

func (n *DatadogNotifier) NotifyFailure(ctx context.Context, f Failure) error {
	body := datadogV1.EventCreateRequest{
		Title: fmt.Sprintf("entity pipeline run failed: %s/%s", f.Domain, f.FailedStage),
		Text: fmt.Sprintf("run_id=%s domain=%s failed_stage=%s cause=%s",
			f.RunID, f.Domain, f.FailedStage, f.Cause),
		AlertType: datadogV1.EVENTALERTTYPE_ERROR.Ptr(),
		Tags: append([]string{
			"run_id:" + f.RunID,
			"domain:" + f.Domain,
			"stage:" + f.FailedStage,
		}, n.tags...),
	}

	_, _, err := n.api.CreateEvent(n.ctx, body)
	if err != nil {
		return fmt.Errorf("post failure event: %w", err)
	}
	return nil
}

var _ Notifier = (*DatadogNotifier)(nil)
var _ Notifier = (*LogNotifier)(nil)
var _ Notifier = Nop{}
