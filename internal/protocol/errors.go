package protocol

import "fmt"

// BadLengthError reports a frame whose total byte length does not satisfy
// the requirement of its opcode. Lengths count the whole frame including
// the opcode byte.
type BadLengthError struct {
	Name  string // message name, e.g. "C2SMessage::Sub"
	Want  int    // required length
	Exact bool   // true when Want is exact, false when it is a minimum
	Got   int
}

func (e *BadLengthError) Error() string {
	rel := "at least"
	if e.Exact {
		rel = "exactly"
	}
	return fmt.Sprintf("%s: expected %s %d bytes, got %d", e.Name, rel, e.Want, e.Got)
}

// BadEnumError reports an out-of-range discriminant byte.
type BadEnumError struct {
	Field string // field name, e.g. "C2SMessage.type"
	Lo    uint8  // inclusive lower bound of the valid range
	Hi    uint8  // inclusive upper bound
	Got   uint8
}

func (e *BadEnumError) Error() string {
	return fmt.Sprintf("%s: expected value in %d..=%d, got %d", e.Field, e.Lo, e.Hi, e.Got)
}
