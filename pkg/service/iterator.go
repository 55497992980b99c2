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

package service

import "nre.dev/nre/pkg/rcu"

// Iterator walks the published sessions of a Service in slot order.
//
// Slots may be unpublished while iterating. The caller must hold a read
// section of the service's RCU domain for as long as it uses the iterator
// and the sessions it returned.
type Iterator[T Session] struct {
	s   *Service[T]
	pos int
}

// Iterator returns an iterator positioned before the first slot.
func (s *Service[T]) Iterator() *Iterator[T] {
	return &Iterator[T]{s: s, pos: -1}
}

// Next advances to the next published session.
func (it *Iterator[T]) Next() (T, bool) {
	for it.pos+1 < len(it.s.slots) {
		it.pos++
		if e := rcu.Deref(&it.s.slots[it.pos]); e != nil {
			return e.sess, true
		}
	}
	it.pos = len(it.s.slots)
	var zero T
	return zero, false
}

// Prev moves back to the previous published session.
func (it *Iterator[T]) Prev() (T, bool) {
	for it.pos-1 >= 0 {
		it.pos--
		if e := rcu.Deref(&it.s.slots[it.pos]); e != nil {
			return e.sess, true
		}
	}
	it.pos = -1
	var zero T
	return zero, false
}
