package protocol

import "fmt"

// ChecksumError indicates a response frame whose trailing checksum does not
// match the value computed over its payload. The frame is discarded whole.
type ChecksumError struct {
	Want uint16
	Got  uint16
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("frame checksum mismatch: want 0x%04x, got 0x%04x", e.Want, e.Got)
}

// FramingError indicates a response without the expected start byte or
// terminator.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

// TokenCountError indicates a validated frame whose token count does not match
// the fixed arity of the query it answers.
type TokenCountError struct {
	Query string
	Want  int
	Got   int
}

func (e *TokenCountError) Error() string {
	return fmt.Sprintf("%s response has %d tokens, expected %d", e.Query, e.Got, e.Want)
}

// FieldFormatError indicates a single token that cannot be parsed to its
// declared field type.
type FieldFormatError struct {
	Field string
	Token string
	Err   error
}

func (e *FieldFormatError) Error() string {
	return fmt.Sprintf("field %s: cannot parse %q: %v", e.Field, e.Token, e.Err)
}

func (e *FieldFormatError) Unwrap() error {
	return e.Err
}
