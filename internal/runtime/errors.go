package runtime

import (
	"strings"
)

// FieldError is one failed rule. Field is empty for model-level errors.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Errors collects every failure of one validation pass.
type Errors []FieldError

// Add appends an error.
func (e *Errors) Add(field, code, message string) {
	*e = append(*e, FieldError{Field: field, Code: code, Message: message})
}

// On returns the errors attached to field.
func (e Errors) On(field string) []FieldError {
	var out []FieldError
	for _, fe := range e {
		if fe.Field == field {
			out = append(out, fe)
		}
	}
	return out
}

// Has reports whether field has an error with the given code.
func (e Errors) Has(field, code string) bool {
	for _, fe := range e {
		if fe.Field == field && fe.Code == code {
			return true
		}
	}
	return false
}

// Empty reports no errors.
func (e Errors) Empty() bool {
	return len(e) == 0
}

// Error renders "title can't be blank; base is invalid".
func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		if fe.Field == "" {
			parts[i] = fe.Message
			continue
		}
		parts[i] = fe.Field + " " + fe.Message
	}
	return strings.Join(parts, "; ")
}
