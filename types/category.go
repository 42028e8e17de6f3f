package types

// ErrorCategory classifies a spawn failure. It is written verbatim to
// <workdir>/response/error/category by the child and carried on every
// SpawnError the orchestrator constructs.
type ErrorCategory string

const (
	ErrorCategoryInternal        ErrorCategory = "INTERNAL_ERROR"
	ErrorCategoryOperatingSystem ErrorCategory = "OPERATING_SYSTEM_ERROR"
	ErrorCategoryIO              ErrorCategory = "IO_ERROR"
	ErrorCategoryTimeout         ErrorCategory = "TIMEOUT_ERROR"
	ErrorCategoryUnknown         ErrorCategory = "UNKNOWN_ERROR"
)

// ParseErrorCategory maps the on-disk representation back to a category.
// Unrecognized values parse as ErrorCategoryUnknown.
func ParseErrorCategory(value string) ErrorCategory {
	switch ErrorCategory(value) {
	case ErrorCategoryInternal, ErrorCategoryOperatingSystem,
		ErrorCategoryIO, ErrorCategoryTimeout:
		return ErrorCategory(value)
	default:
		return ErrorCategoryUnknown
	}
}

// String returns the on-disk representation.
func (c ErrorCategory) String() string {
	if c == "" {
		return string(ErrorCategoryUnknown)
	}
	return string(c)
}
