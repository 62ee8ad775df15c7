package protocol

import (
	"errors"
	"fmt"
)

//	Symbolic error tags carried on the wire and attached to client-side
//	errors. These are stable names, never Go type names.
const (
	TAG_SERVICE_ALREADY_EXISTS = "ServiceAlreadyExists"
	TAG_SERVICE_NOT_FOUND      = "ServiceNotFound"
	TAG_REMOTE_EXECUTION_ERROR = "RemoteExecutionError"
	TAG_PROTOCOL_ERROR         = "ProtocolError"
	TAG_NOT_FOUND              = "NotFound"
	TAG_ARG_ERROR              = "ArgError"
	TAG_CLIENT_CLOSED          = "ClientClosed"
	TAG_TIMEOUT                = "Timeout"
)

type Error struct {
	Tag     string
	Message string
}

func (e *Error) Error() string {
	return e.Tag + ": " + e.Message
}

func Errorf(tag string, format string, args ...interface{}) *Error {
	return &Error{Tag: tag, Message: fmt.Sprintf(format, args...)}
}

//	TagOf reports the symbolic tag of err, or RemoteExecutionError for
//	errors that carry no tag of their own.
func TagOf(err error) string {
	tag, _ := DetailOf(err)
	return tag
}

//	DetailOf splits err into its wire representation.
func DetailOf(err error) (tag string, message string) {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Tag, tagged.Message
	}
	return TAG_REMOTE_EXECUTION_ERROR, err.Error()
}
