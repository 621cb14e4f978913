package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resonance-backend/domain/events"
)

type fakeClient struct {
	calls  []*eventbridge.PutEventsInput
	failAt int // entry index to reject in every call, -1 for none
	err    error
}

func (f *fakeClient) PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	out := &eventbridge.PutEventsOutput{Entries: make([]types.PutEventsResultEntry, len(in.Entries))}
	if f.failAt >= 0 && f.failAt < len(in.Entries) {
		out.FailedEntryCount = 1
		out.Entries[f.failAt].ErrorCode = aws.String("ThrottlingException")
	}
	return out, nil
}

func userEvents(n int) []events.DomainEvent {
	out := make([]events.DomainEvent, n)
	for i := range out {
		out[i] = events.NewUserRecomputedEvent("kernel", "u", 2, nil)
	}
	return out
}

func TestPublisherSplitsBatches(t *testing.T) {
	client := &fakeClient{failAt: -1}
	p := NewPublisher(client, "bus", "", nil)

	require.NoError(t, p.PublishBatch(context.Background(), userEvents(23)))
	require.Len(t, client.calls, 3)
	assert.Len(t, client.calls[0].Entries, 10)
	assert.Len(t, client.calls[2].Entries, 3)

	entry := client.calls[0].Entries[0]
	assert.Equal(t, "bus", aws.ToString(entry.EventBusName))
	assert.Equal(t, events.SourceSimilarity, aws.ToString(entry.Source))
	assert.Equal(t, events.TypeUserRecomputed, aws.ToString(entry.DetailType))

	var detail map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(entry.Detail)), &detail))
	assert.Equal(t, "kernel", detail["communityId"])
}

func TestPublisherReportsRejectedEntries(t *testing.T) {
	client := &fakeClient{failAt: 1}
	p := NewPublisher(client, "bus", "src", nil)

	err := p.PublishBatch(context.Background(), userEvents(2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
}

func TestPublisherWrapsClientError(t *testing.T) {
	boom := errors.New("network down")
	p := NewPublisher(&fakeClient{failAt: -1, err: boom}, "bus", "src", nil)

	err := p.Publish(context.Background(), events.NewWeightsRepairedEvent("", 4, 1))
	assert.ErrorIs(t, err, boom)
}

func TestPublisherEmptyBatch(t *testing.T) {
	client := &fakeClient{failAt: -1}
	require.NoError(t, NewPublisher(client, "bus", "src", nil).PublishBatch(context.Background(), nil))
	assert.Empty(t, client.calls)
}
