package dispatch

import (
	"context"
	stderrors "errors"
	"net/textproto"

	"github.com/aws/smithy-go"
	"google.golang.org/api/googleapi"

	"notification-monitor/internal/common/errors"
	"notification-monitor/internal/notification"
)

const maxReasonLen = 512

// SES error codes that mean the message itself will never be accepted.
var permanentAPICodes = map[string]bool{
	"MessageRejected":                       true,
	"InvalidParameterValue":                 true,
	"MailFromDomainNotVerifiedException":    true,
	"ConfigurationSetDoesNotExistException": true,
}

// SMTP replies in the 5xx range that reflect our credentials or session
// rather than the message.
var transientSMTPCodes = map[int]bool{
	530: true,
	534: true,
	535: true,
}

// Classify maps a transport error to a dispatch outcome. Errors that cannot
// be identified as a property of the message are transient.
func Classify(err error) notification.Outcome {
	if err == nil {
		return notification.Outcome{Kind: notification.Sent}
	}

	reason := err.Error()
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	transient := notification.Outcome{Kind: notification.TransientFailure, Reason: reason}
	permanent := notification.Outcome{Kind: notification.PermanentFailure, Reason: reason}

	if stdErr, ok := errors.AsStandard(err); ok {
		switch stdErr.Code {
		case errors.ErrCodePermanentFailure:
			return permanent
		case errors.ErrCodeTransientFailure:
			return transient
		}
		if stdErr.Retryable {
			return transient
		}
		return permanent
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return transient
	}

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		if permanentAPICodes[apiErr.ErrorCode()] {
			return permanent
		}
		return transient
	}

	var smtpErr *textproto.Error
	if stderrors.As(err, &smtpErr) {
		if smtpErr.Code >= 500 && !transientSMTPCodes[smtpErr.Code] {
			return permanent
		}
		return transient
	}

	var gErr *googleapi.Error
	if stderrors.As(err, &gErr) {
		switch {
		case gErr.Code == 429, gErr.Code >= 500, gErr.Code == 401, gErr.Code == 403:
			return transient
		case gErr.Code >= 400:
			return permanent
		}
		return transient
	}

	// Network errors and anything unrecognised.
	return transient
}
