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

// Package nreerr contains the NRE error codes exported as error interface
// pointers, along with helpers to build formatted variants and to reduce
// arbitrary errors to a wire code.
package nreerr

import (
	goerrors "errors"
	"fmt"

	"nre.dev/nre/pkg/errors"
)

// The canonical errors. errors.Is(err, NotFound) holds for every error
// carrying the NotFound code, including those built with Newf.
var (
	Timeout     = errors.New(errors.Timeout, errors.Timeout.String())
	Abort       = errors.New(errors.Abort, errors.Abort.String())
	Sys         = errors.New(errors.Sys, errors.Sys.String())
	Cap         = errors.New(errors.Cap, errors.Cap.String())
	Par         = errors.New(errors.Par, errors.Par.String())
	CPU         = errors.New(errors.CPU, errors.CPU.String())
	NoCapSels   = errors.New(errors.NoCapSels, errors.NoCapSels.String())
	UTCBUntyped = errors.New(errors.UTCBUntyped, errors.UTCBUntyped.String())
	UTCBTyped   = errors.New(errors.UTCBTyped, errors.UTCBTyped.String())
	Capacity    = errors.New(errors.Capacity, errors.Capacity.String())
	NotFound    = errors.New(errors.NotFound, errors.NotFound.String())
	Exists      = errors.New(errors.Exists, errors.Exists.String())
	ELFInvalid  = errors.New(errors.ELFInvalid, errors.ELFInvalid.String())
	ELFSig      = errors.New(errors.ELFSig, errors.ELFSig.String())
	ArgsInvalid = errors.New(errors.ArgsInvalid, errors.ArgsInvalid.String())
	Failure     = errors.New(errors.Failure, errors.Failure.String())
)

// Newf returns an error with the code of base and a formatted message.
func Newf(base *errors.Error, format string, args ...any) *errors.Error {
	return errors.New(base.Code(), fmt.Sprintf(format, args...))
}

// CodeOf returns the wire code for err. nil is Success; errors that do not
// carry an NRE code are reported as Failure.
func CodeOf(err error) errors.Code {
	if err == nil {
		return errors.Success
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Code()
	}
	return errors.Failure
}

// FromCode returns the canonical error for a wire code. Success yields nil.
func FromCode(c errors.Code) error {
	if c == errors.Success {
		return nil
	}
	if c >= errors.NumCodes {
		return Failure
	}
	return errors.New(c, c.String())
}
