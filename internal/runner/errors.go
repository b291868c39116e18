package runner

// Error is a registration failure raised by the runner core itself.
// Failures from the API client or the transport are never translated
// into an Error; they are returned as-is.
type Error int

const (
	// ErrOrganizationNameUnavailable means the organization scope was
	// selected but no organization name is configured.
	ErrOrganizationNameUnavailable Error = iota + 1

	// ErrInvalidRunnerURL means the registration URL could not be built,
	// either because an identifier is missing or because it is not a
	// valid URL path segment.
	ErrInvalidRunnerURL
)

var errorMessages = map[Error]string{
	ErrOrganizationNameUnavailable: "the organization name is unavailable",
	ErrInvalidRunnerURL:            "the runner URL is invalid",
}

func (e Error) Error() string {
	if msg, ok := errorMessages[e]; ok {
		return msg
	}
	return "unknown runner error"
}
