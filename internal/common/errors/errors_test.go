package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTemplateDataError_SortsFieldNames(t *testing.T) {
	err := NewTemplateDataError("contact-assigned", []string{"organisationName", "contactName"}, nil)

	assert.Equal(t, ErrCodeTemplateDataInvalid, err.Code)
	assert.False(t, err.Retryable)
	assert.Equal(t, "missing fields: contactName, organisationName", err.Details)
	assert.Equal(t, []string{"contactName", "organisationName"}, err.Metadata["missingFields"])
	assert.Contains(t, err.Error(), "contactName")
}

func TestNewTemplateDataError_MissingAndInvalid(t *testing.T) {
	err := NewTemplateDataError("assessment-reminder", []string{"studyTitle"}, []string{"dueDate"})
	assert.Equal(t, "missing fields: studyTitle; invalid fields: dueDate", err.Details)
}

func TestStandardError_UnwrapsCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := NewLedgerUnavailableError("claim", cause)

	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, cause.Error(), err.Details)
	assert.True(t, err.Retryable)
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"standard error", NewTemplateNotFoundError("x"), ErrCodeTemplateNotFound},
		{"wrapped standard error", fmt.Errorf("pass: %w", NewSourceUnavailableError("studies", stderrors.New("boom"))), ErrCodeSourceUnavailable},
		{"plain error", stderrors.New("boom"), ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestHasCodeAndIsRetryable(t *testing.T) {
	transient := NewTransientFailureError("ses", stderrors.New("throttled"))
	permanent := NewPermanentFailureError("ses", stderrors.New("rejected"))

	assert.True(t, HasCode(transient, ErrCodeTransientFailure))
	assert.False(t, HasCode(nil, ErrCodeTransientFailure))
	assert.True(t, IsRetryable(transient))
	assert.False(t, IsRetryable(permanent))
	assert.False(t, IsRetryable(stderrors.New("plain")))
}

func TestGetErrorCategory(t *testing.T) {
	assert.Equal(t, "TEMPLATE", GetErrorCategory(ErrCodeTemplateNotFound))
	assert.Equal(t, "INFRASTRUCTURE", GetErrorCategory(ErrCodeLedgerUnavailable))
	assert.Equal(t, "DISPATCH", GetErrorCategory(ErrCodePermanentFailure))
	assert.Equal(t, "CONFIGURATION", GetErrorCategory(ErrCodeConfigInvalid))
	assert.Equal(t, "SCHEDULING", GetErrorCategory(ErrCodePassInProgress))
	assert.Equal(t, "SCHEDULING", GetErrorCategory(ErrCodePassInterrupted))
	assert.Equal(t, "OTHER", GetErrorCategory(ErrCodeInternal))
}

func TestConvertToBPMNError(t *testing.T) {
	bpmn := ConvertToBPMNError(NewLedgerUnavailableError("release", stderrors.New("timeout")))
	require.NotNil(t, bpmn)
	assert.Equal(t, string(ErrCodeLedgerUnavailable), bpmn.Code)
	assert.Equal(t, 3, bpmn.Retries)

	vars := bpmn.ToErrorVariables()
	assert.Equal(t, "INFRASTRUCTURE", vars["errorCategory"])
	assert.Equal(t, true, vars["retryable"])

	nonRetryable := ConvertToBPMNError(NewTemplateLoadError("x", stderrors.New("bad")))
	assert.Equal(t, 0, nonRetryable.Retries)

	interrupted := ConvertToBPMNError(NewPassInterruptedError("p-1", "shutdown"))
	assert.Equal(t, 1, interrupted.Retries)
	assert.Equal(t, 0, ConvertToBPMNError(NewInvalidJobInputError("not json")).Retries)
}
