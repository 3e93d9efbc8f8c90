package reporting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"notification-monitor/internal/ledger"
	"notification-monitor/internal/monitor"
)

// maxAlertEvents caps how many events one alert lists.
const maxAlertEvents = 50

type SNSPublisher interface {
	Publish(ctx context.Context, input *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type alertMessage struct {
	PassID      string            `json:"passId"`
	Aborted     bool              `json:"aborted"`
	Error       string            `json:"error,omitempty"`
	FailedFinal int               `json:"failedFinal"`
	Events      []FailureDocument `json:"events,omitempty"`
}

// SNSAlerter alerts operators when events reach failed_final or a pass is
// aborted by an infrastructure failure. Other passes publish nothing.
type SNSAlerter struct {
	client   SNSPublisher
	topicARN string
}

func NewSNSAlerter(client SNSPublisher, topicARN string) *SNSAlerter {
	return &SNSAlerter{client: client, topicARN: topicARN}
}

func (a *SNSAlerter) Report(ctx context.Context, s monitor.Summary, final []ledger.Entry) error {
	if len(final) == 0 && s.Error == "" {
		return nil
	}

	msg := alertMessage{
		PassID:      s.PassID,
		Aborted:     s.Aborted,
		Error:       s.Error,
		FailedFinal: len(final),
	}
	for i, e := range final {
		if i == maxAlertEvents {
			break
		}
		msg.Events = append(msg.Events, failureDocument(s.PassID, e))
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	subject := fmt.Sprintf("notification-monitor: %d notifications need follow-up", len(final))
	if len(final) == 0 {
		subject = "notification-monitor: monitoring pass aborted"
	}

	_, err = a.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(a.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"passId": {DataType: aws.String("String"), StringValue: aws.String(s.PassID)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
