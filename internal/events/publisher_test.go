package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

type mockSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (m *mockSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.inputs = append(m.inputs, in)
	if m.err != nil {
		return nil, m.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestPublisher_Publish(t *testing.T) {
	mock := &mockSNS{}
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	p := &Publisher{client: mock, topicARN: "arn:aws:sns:us-east-1:123:events", logger: zap.NewNop(), now: func() time.Time { return fixed }}

	p.Publish(context.Background(), SearchRunCompleted, "run-1", map[string]int{"new_leads": 3})

	if len(mock.inputs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(mock.inputs))
	}
	in := mock.inputs[0]
	if aws.ToString(in.TopicArn) != "arn:aws:sns:us-east-1:123:events" {
		t.Errorf("unexpected topic: %s", aws.ToString(in.TopicArn))
	}
	if got := aws.ToString(in.MessageAttributes["event_type"].StringValue); got != string(SearchRunCompleted) {
		t.Errorf("event_type attribute = %s", got)
	}

	var evt struct {
		Type       string         `json:"type"`
		SubjectID  string         `json:"subject_id"`
		OccurredAt time.Time      `json:"occurred_at"`
		Data       map[string]int `json:"data"`
	}
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &evt); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if evt.SubjectID != "run-1" || evt.Data["new_leads"] != 3 || !evt.OccurredAt.Equal(fixed) {
		t.Errorf("unexpected event: %+v", evt)
	}
}

func TestPublisher_ErrorsAreSwallowed(t *testing.T) {
	mock := &mockSNS{err: errors.New("throttled")}
	p := &Publisher{client: mock, topicARN: "arn", logger: zap.NewNop(), now: time.Now}

	// Must not panic or block.
	p.Publish(context.Background(), CampaignDrained, "c-1", nil)

	if len(mock.inputs) != 1 {
		t.Errorf("expected publish attempt, got %d", len(mock.inputs))
	}
}

func TestPublisher_NoTopicIsNoop(t *testing.T) {
	p, err := NewPublisher(context.Background(), "", zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Publish(context.Background(), CampaignDrained, "c-1", nil)

	var nilPub *Publisher
	nilPub.Publish(context.Background(), CampaignDrained, "c-1", nil)
}
