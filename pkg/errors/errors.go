// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors holds the standardized error definition for NRE.
//
// Every error that crosses a portal boundary is reduced to a Code, which is
// what travels in the first word of a reply.
package errors

// Code is an NRE error number. The numbering is part of the portal protocol.
type Code uint32

// Error codes, in wire order.
const (
	Success Code = iota
	Timeout
	Abort
	Sys
	Cap
	Par
	Ftr
	CPU
	Dev
	Assert
	NoCapSels
	UTCBUntyped
	UTCBTyped
	Capacity
	NotFound
	Exists
	ELFInvalid
	ELFSig
	ArgsInvalid
	Failure

	// NumCodes is the number of defined codes.
	NumCodes
)

var codeNames = [...]string{
	Success:     "Successful Operation",
	Timeout:     "Communication Timeout",
	Abort:       "Communication Abort",
	Sys:         "Invalid Hypercall",
	Cap:         "Invalid Capability",
	Par:         "Invalid Parameter",
	Ftr:         "Invalid Feature",
	CPU:         "Invalid CPU Number",
	Dev:         "Invalid Device ID",
	Assert:      "Assert failed",
	NoCapSels:   "No free capability selectors",
	UTCBUntyped: "No more untyped items in UTCB",
	UTCBTyped:   "No more typed items in UTCB",
	Capacity:    "Capacity exceeded",
	NotFound:    "Object not found",
	Exists:      "Object does already exist",
	ELFInvalid:  "Invalid ELF file",
	ELFSig:      "Invalid ELF signature",
	ArgsInvalid: "Invalid arguments",
	Failure:     "Failure",
}

// String implements fmt.Stringer.String.
func (c Code) String() string {
	if c < NumCodes {
		return codeNames[c]
	}
	return "Unknown error"
}

// Error represents an NRE error code with a descriptive message.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the underlying error code.
func (e *Error) Code() Code { return e.code }

// Is implements the interface used by errors.Is. Two *Errors match when
// they carry the same code, so a formatted error compares equal to the
// canonical value for its code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}
