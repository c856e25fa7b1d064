package errors

import "errors"

type Category string

const (
	CategoryConfiguration  Category = "configuration"
	CategoryInvalidInput   Category = "invalid_input"
	CategoryNotFound       Category = "not_found"
	CategoryInvalidKeyType Category = "invalid_key_type"
	CategoryVerification   Category = "verification_failed"
	CategoryTransport      Category = "transport"
	CategoryIOFailure      Category = "io_failure"
	CategoryIngestFailure  Category = "ingest_failure"
	CategoryInternal       Category = "internal_failure"
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

func (e *classifiedError) Retryable() bool {
	return e.retryable
}

// Wrap attaches a category, a stable machine code and an operator hint to cause.
// A nil cause yields nil so call sites can wrap unconditionally.
func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

// New is Wrap over a fresh message.
func New(category Category, code, message string) error {
	return Wrap(errors.New(message), category, code, "", false)
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return false
}

// Is reports whether err carries category anywhere in its chain.
func Is(err error, category Category) bool {
	for err != nil {
		var classified *classifiedError
		if !errors.As(err, &classified) {
			return false
		}
		if classified.category == category {
			return true
		}
		err = classified.cause
	}
	return false
}
