package app

import "fmt"

// DomainError carries an HTTP-style status class across the service boundary.
// The HTTP layer folds it into the uniform error envelope.
type DomainError struct {
	Status  int
	Message string
	Errors  []string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func domainError(status int, message string, errs ...string) *DomainError {
	if len(errs) == 0 {
		errs = []string{message}
	}
	return &DomainError{
		Status:  status,
		Message: message,
		Errors:  errs,
	}
}
