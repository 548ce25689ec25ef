package handlers

import "fmt"

// UnprocessableEventError marks events that will never succeed, such as
// payloads that do not decode. The router sends them to the poison queue
// instead of retrying.
type UnprocessableEventError struct {
	EventType string
	Payload   string
	Err       error
}

func (e *UnprocessableEventError) Error() string {
	return fmt.Sprintf("unprocessable %s event: %v", e.EventType, e.Err)
}

func (e *UnprocessableEventError) Unwrap() error { return e.Err }
