package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryMatching       ErrorCategory = "matching"
	CategorySemantic       ErrorCategory = "semantic"
	CategoryStorage        ErrorCategory = "storage"
	CategoryReview         ErrorCategory = "review"
	CategoryDeferred       ErrorCategory = "deferred"
	CategoryInternal       ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Validation errors
	CodeInvalidAmount ErrorCode = "invalid_amount"
	CodeInvalidDate   ErrorCode = "invalid_date"
	CodeMissingField  ErrorCode = "missing_field"
	CodeOutOfRange    ErrorCode = "out_of_range"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"
	CodeMissingConfig ErrorCode = "missing_config"

	// Matching errors
	CodeMatchingFailed   ErrorCode = "matching_failed"
	CodeDataInconsistent ErrorCode = "data_inconsistent"
	CodeCancelledInvoice ErrorCode = "cancelled_invoice"

	// Semantic service errors
	CodeSemanticRateLimited ErrorCode = "semantic_rate_limited"
	CodeSemanticTimeout     ErrorCode = "semantic_timeout"
	CodeSemanticUnavailable ErrorCode = "semantic_unavailable"
	CodeVerdictMalformed    ErrorCode = "verdict_malformed"

	// Storage errors
	CodeRecordNotFound     ErrorCode = "record_not_found"
	CodeTransactionClaimed ErrorCode = "transaction_claimed"
	CodeDuplicateRecord    ErrorCode = "duplicate_record"
	CodeStorageFailure     ErrorCode = "storage_failure"

	// Review errors
	CodeAssignmentNotPending ErrorCode = "assignment_not_pending"
	CodeCandidateUnknown     ErrorCode = "candidate_unknown"

	// Deferred payment errors
	CodePlanNotActive       ErrorCode = "plan_not_active"
	CodeInstallmentMismatch ErrorCode = "installment_mismatch"
	CodeScheduleExhausted   ErrorCode = "schedule_exhausted"

	// Internal errors
	CodeUnexpectedError   ErrorCode = "unexpected_error"
	CodeResourceExhausted ErrorCode = "resource_exhausted"
)

// EngineError is the base error type for all application errors
type EngineError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", e.Message, e.Suggestion)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// GetExitCode returns an appropriate exit code for the error
func (e *EngineError) GetExitCode() int {
	switch e.Category {
	case CategoryValidation:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryMatching, CategoryReview, CategoryDeferred, CategoryInternal:
		return 5
	case CategorySemantic:
		return 6
	case CategoryStorage:
		return 7
	default:
		return 1
	}
}

// WithContext adds context information to the error
func (e *EngineError) WithContext(key string, value interface{}) *EngineError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *EngineError) WithSuggestion(suggestion string) *EngineError {
	e.Suggestion = suggestion
	return e
}

// New creates a new EngineError
func New(category ErrorCategory, code ErrorCode, message string) *EngineError {
	return &EngineError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with EngineError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *EngineError {
	if err == nil {
		return nil
	}

	return &EngineError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

// stackTracer interface for extracting stack traces
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Specific error constructors

// ValidationError creates a validation-related error
func ValidationError(code ErrorCode, field string, value interface{}, err error) *EngineError {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidAmount:
		message = fmt.Sprintf("invalid amount in field '%s': %v", field, value)
		suggestion = "ensure amounts are valid decimal numbers (e.g., '12.34')"
	case CodeInvalidDate:
		message = fmt.Sprintf("invalid date in field '%s': %v", field, value)
		suggestion = "use date format YYYY-MM-DD"
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
		suggestion = "provide a value for this required field"
	case CodeOutOfRange:
		message = fmt.Sprintf("value out of range in field '%s': %v", field, value)
		suggestion = "ensure the value is within the acceptable range"
	default:
		message = fmt.Sprintf("validation error in field '%s': %v", field, value)
		suggestion = "check the field value and format"
	}

	var result *EngineError
	if err != nil {
		result = Wrap(err, CategoryValidation, code, message)
	} else {
		result = New(CategoryValidation, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *EngineError {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the configuration documentation for valid values"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = "provide this configuration setting or use a config file"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	var result *EngineError
	if err != nil {
		result = Wrap(err, CategoryConfiguration, code, message)
	} else {
		result = New(CategoryConfiguration, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// MatchingError creates a matching-related error
func MatchingError(code ErrorCode, recordID string, err error) *EngineError {
	var message string
	var suggestion string

	switch code {
	case CodeMatchingFailed:
		message = fmt.Sprintf("matching failed for record %s", recordID)
		suggestion = "try adjusting matching tolerances or check data quality"
	case CodeDataInconsistent:
		message = fmt.Sprintf("data inconsistency detected for record %s", recordID)
		suggestion = "verify data integrity and resolve inconsistencies"
	case CodeCancelledInvoice:
		message = fmt.Sprintf("invoice %s was cancelled by the tax authority", recordID)
		suggestion = "review matches previously created from this invoice"
	default:
		message = fmt.Sprintf("matching error for record %s", recordID)
		suggestion = "review the record data and configuration"
	}

	var result *EngineError
	if err != nil {
		result = Wrap(err, CategoryMatching, code, message)
	} else {
		result = New(CategoryMatching, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("record_id", recordID)
}

// SemanticError creates an error for the external similarity service
func SemanticError(code ErrorCode, err error) *EngineError {
	var message string
	var suggestion string

	switch code {
	case CodeSemanticRateLimited:
		message = "similarity service rate limit reached"
		suggestion = "lower the semantic concurrency limit or retry later"
	case CodeSemanticTimeout:
		message = "similarity service call timed out"
		suggestion = "check network latency or increase the call timeout"
	case CodeSemanticUnavailable:
		message = "similarity service unavailable"
		suggestion = "the batch falls back to lexical scores; retry once the service recovers"
	case CodeVerdictMalformed:
		message = "similarity service returned an unparseable verdict"
		suggestion = "inspect the raw response; the model may be misconfigured"
	default:
		message = "similarity service error"
		suggestion = "check service credentials and availability"
	}

	var result *EngineError
	if err != nil {
		result = Wrap(err, CategorySemantic, code, message)
	} else {
		result = New(CategorySemantic, code, message)
	}

	return result.WithSuggestion(suggestion)
}

// StorageError creates a storage-related error
func StorageError(code ErrorCode, entity, id string, err error) *EngineError {
	var message string
	var suggestion string

	switch code {
	case CodeRecordNotFound:
		message = fmt.Sprintf("%s %s not found", entity, id)
		suggestion = "check the identifier; the record may belong to another company"
	case CodeTransactionClaimed:
		message = fmt.Sprintf("transaction %s is already claimed by another match", id)
		suggestion = "re-run the batch; the record will be rescored against remaining transactions"
	case CodeDuplicateRecord:
		message = fmt.Sprintf("%s %s already exists", entity, id)
		suggestion = "use the existing record or generate a fresh identifier"
	default:
		message = fmt.Sprintf("storage failure for %s %s", entity, id)
		suggestion = "check database connectivity and retry"
	}

	var result *EngineError
	if err != nil {
		result = Wrap(err, CategoryStorage, code, message)
	} else {
		result = New(CategoryStorage, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("entity", entity).
		WithContext("id", id)
}

// ReviewError creates a review-queue error
func ReviewError(code ErrorCode, assignmentID string, err error) *EngineError {
	var message string
	var suggestion string

	switch code {
	case CodeAssignmentNotPending:
		message = fmt.Sprintf("assignment %s is not pending", assignmentID)
		suggestion = "it was already resolved or rejected by another reviewer"
	case CodeCandidateUnknown:
		message = fmt.Sprintf("chosen transaction is not a candidate of assignment %s", assignmentID)
		suggestion = "pick one of the candidates listed on the assignment"
	default:
		message = fmt.Sprintf("review error for assignment %s", assignmentID)
		suggestion = "reload the pending queue and retry"
	}

	var result *EngineError
	if err != nil {
		result = Wrap(err, CategoryReview, code, message)
	} else {
		result = New(CategoryReview, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("assignment_id", assignmentID)
}

// DeferredError creates a deferred-payment error
func DeferredError(code ErrorCode, planID string, err error) *EngineError {
	var message string
	var suggestion string

	switch code {
	case CodePlanNotActive:
		message = fmt.Sprintf("deferred payment plan %s is not active", planID)
		suggestion = "completed plans accept no further charges"
	case CodeInstallmentMismatch:
		message = fmt.Sprintf("charge does not fit the next installment of plan %s", planID)
		suggestion = "check the charge amount and date against the schedule"
	case CodeScheduleExhausted:
		message = fmt.Sprintf("plan %s has no unpaid installments", planID)
		suggestion = "the plan should already be marked completed"
	default:
		message = fmt.Sprintf("deferred payment error for plan %s", planID)
		suggestion = "review the plan and its schedule"
	}

	var result *EngineError
	if err != nil {
		result = Wrap(err, CategoryDeferred, code, message)
	} else {
		result = New(CategoryDeferred, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("plan_id", planID)
}

// InternalError creates an internal error
func InternalError(code ErrorCode, operation string, err error) *EngineError {
	var message string
	var suggestion string

	switch code {
	case CodeUnexpectedError:
		message = fmt.Sprintf("unexpected error during %s", operation)
		suggestion = "this is likely a bug - please report it with the error details"
	case CodeResourceExhausted:
		message = fmt.Sprintf("resource exhausted during %s", operation)
		suggestion = "try reducing batch size or increasing system resources"
	default:
		message = fmt.Sprintf("internal error during %s", operation)
		suggestion = "try again or contact support if the problem persists"
	}

	var result *EngineError
	if err != nil {
		result = Wrap(err, CategoryInternal, code, message)
	} else {
		result = New(CategoryInternal, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("operation", operation)
}

// ErrorSummary provides a summary of multiple errors
type ErrorSummary struct {
	Total        int                   `json:"total"`
	ByCategory   map[ErrorCategory]int `json:"by_category"`
	ByCode       map[ErrorCode]int     `json:"by_code"`
	Errors       []*EngineError        `json:"errors"`
	SampleErrors []*EngineError        `json:"sample_errors,omitempty"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errors []*EngineError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errors),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		Errors:     errors,
	}
	if len(errors) == 0 {
		summary.Errors = []*EngineError{}
		return summary
	}

	for _, err := range errors {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
	}

	// Include sample errors (max 5)
	maxSamples := 5
	if len(errors) > maxSamples {
		summary.SampleErrors = errors[:maxSamples]
	} else {
		summary.SampleErrors = errors
	}

	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}

	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var categories []string
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCategory checks if the summary contains errors of the given category
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	count, exists := es.ByCategory[category]
	return exists && count > 0
}

// HasCode checks if the summary contains errors with the given code
func (es *ErrorSummary) HasCode(code ErrorCode) bool {
	count, exists := es.ByCode[code]
	return exists && count > 0
}

// GetExitCode returns the highest priority exit code from all errors
func (es *ErrorSummary) GetExitCode() int {
	if es.Total == 0 {
		return 0
	}

	maxCode := 1
	for _, err := range es.Errors {
		if code := err.GetExitCode(); code > maxCode {
			maxCode = code
		}
	}

	return maxCode
}

// Utility functions

// IsEngineError checks if an error is an EngineError
func IsEngineError(err error) bool {
	_, ok := err.(*EngineError)
	return ok
}

// AsEngineError extracts an EngineError from an error chain
func AsEngineError(err error) (*EngineError, bool) {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr, true
	}
	return nil, false
}

// HasCode reports whether the error chain carries the given code
func HasCode(err error, code ErrorCode) bool {
	if engineErr, ok := AsEngineError(err); ok {
		return engineErr.Code == code
	}
	return false
}

// WrapIfNeeded wraps an error if it's not already an EngineError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *EngineError {
	if err == nil {
		return nil
	}

	if engineErr, ok := AsEngineError(err); ok {
		return engineErr
	}

	return Wrap(err, category, code, message)
}
