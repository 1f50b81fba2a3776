package errors

import (
	stderrors "errors"
	"fmt"
)

type ErrorType string

const (
	ErrorTypeNotFound        ErrorType = "NOT_FOUND"
	ErrorTypeValidation      ErrorType = "VALIDATION"
	ErrorTypeMissingAncestor ErrorType = "MISSING_ANCESTOR"
	ErrorTypePlugin          ErrorType = "PLUGIN"
	ErrorTypeInternal        ErrorType = "INTERNAL"
)

// Error is the structured error returned by every engine component.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	// Constraint names the violated invariant for validation errors.
	Constraint string `json:"constraint,omitempty"`
	PluginKey  string `json:"plugin_key,omitempty"`
	Path       string `json:"path,omitempty"`
	Details    any    `json:"details,omitempty"`
	Err        error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	switch {
	case e.Constraint != "":
		msg = fmt.Sprintf("%s (constraint %s)", msg, e.Constraint)
	case e.Type == ErrorTypePlugin:
		key := e.PluginKey
		if key == "" {
			key = "(none)"
		}
		msg = fmt.Sprintf("plugin %s on %s: %s", key, e.Path, msg)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFound(message string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

func NotFoundf(format string, args ...any) *Error {
	return NotFound(fmt.Sprintf(format, args...))
}

func ValidationError(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Details: details,
	}
}

// ConstraintViolation reports a rejected write that would break a store invariant.
func ConstraintViolation(constraint, message string) *Error {
	return &Error{
		Type:       ErrorTypeValidation,
		Message:    message,
		Constraint: constraint,
	}
}

func MissingAncestor(entityID, fileID string) *Error {
	return &Error{
		Type:    ErrorTypeMissingAncestor,
		Message: fmt.Sprintf("deletion of entity %q in file %s has no prior change", entityID, fileID),
		Details: map[string]string{"entity_id": entityID, "file_id": fileID},
	}
}

func PluginFailure(pluginKey, path string, err error) *Error {
	return &Error{
		Type:      ErrorTypePlugin,
		Message:   "plugin failed",
		PluginKey: pluginKey,
		Path:      path,
		Err:       err,
	}
}

func Internal(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Message: message,
		Err:     err,
	}
}

func typeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ""
}

func IsNotFound(err error) bool        { return typeOf(err) == ErrorTypeNotFound }
func IsValidation(err error) bool      { return typeOf(err) == ErrorTypeValidation }
func IsPlugin(err error) bool          { return typeOf(err) == ErrorTypePlugin }
func IsMissingAncestor(err error) bool { return typeOf(err) == ErrorTypeMissingAncestor }

// IsConstraint reports whether err is a violation of the named constraint.
// An empty name matches any constraint violation.
func IsConstraint(err error, constraint string) bool {
	var e *Error
	if !stderrors.As(err, &e) || e.Constraint == "" {
		return false
	}
	return constraint == "" || e.Constraint == constraint
}

// PluginKeyOf returns the plugin key carried by err, if any.
func PluginKeyOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.PluginKey
	}
	return ""
}
