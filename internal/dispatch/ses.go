package dispatch

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESAPI is the part of the SES client the transport uses.
type SESAPI interface {
	SendEmail(ctx context.Context, input *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESTransport delivers mail through Amazon SES.
type SESTransport struct {
	client SESAPI
}

func NewSESTransport(client SESAPI) *SESTransport {
	return &SESTransport{client: client}
}

func (t *SESTransport) Name() string { return "ses" }

func (t *SESTransport) Deliver(ctx context.Context, m Mail) error {
	charset := aws.String("UTF-8")
	input := &ses.SendEmailInput{
		Source: aws.String(m.From.Address()),
		Destination: &types.Destination{
			ToAddresses: []string{m.To.Address()},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(m.Subject), Charset: charset},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(m.HTMLBody), Charset: charset},
				Text: &types.Content{Data: aws.String(m.TextBody), Charset: charset},
			},
		},
	}
	if m.MessageID != "" {
		input.Tags = []types.MessageTag{{Name: aws.String("event_id"), Value: aws.String(m.MessageID)}}
	}

	_, err := t.client.SendEmail(ctx, input)
	return err
}
