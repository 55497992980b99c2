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

package nreerr

import (
	goerrors "errors"
	"fmt"
	"testing"

	"nre.dev/nre/pkg/errors"
)

func TestCodeOf(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want errors.Code
	}{
		{"nil", nil, errors.Success},
		{"canonical", NotFound, errors.NotFound},
		{"formatted", Newf(Capacity, "No free sessions"), errors.Capacity},
		{"wrapped", fmt.Errorf("loading child: %w", ELFSig), errors.ELFSig},
		{"foreign", goerrors.New("boom"), errors.Failure},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err); got != tc.want {
				t.Errorf("CodeOf(%v) got %v want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", Newf(NotFound, "Child with idx %d does not exist", 3))
	if !goerrors.Is(err, NotFound) {
		t.Errorf("errors.Is(%v, NotFound) = false, want true", err)
	}
	if goerrors.Is(err, ArgsInvalid) {
		t.Errorf("errors.Is(%v, ArgsInvalid) = true, want false", err)
	}
	if got, want := err.Error(), "outer: Child with idx 3 does not exist"; got != want {
		t.Errorf("Error() got %q want %q", got, want)
	}
}

func TestFromCode(t *testing.T) {
	if err := FromCode(errors.Success); err != nil {
		t.Errorf("FromCode(Success) got %v want nil", err)
	}
	if err := FromCode(errors.Exists); !goerrors.Is(err, Exists) {
		t.Errorf("FromCode(Exists) got %v want Exists", err)
	}
	if err := FromCode(errors.NumCodes + 7); !goerrors.Is(err, Failure) {
		t.Errorf("FromCode(bogus) got %v want Failure", err)
	}
}
