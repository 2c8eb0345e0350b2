// Copyright 2024 The gVisor Authors.
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

package sched

// taskList is an intrusive list of tasks. Entries can be added in O(1) time
// and with no additional memory allocations. There is no removal path; tasks
// live as long as the scheduler.
//
// The zero value for taskList is an empty list ready to use.
//
// To iterate over a list (where l is a taskList):
//
//	for t := l.Front(); t != nil; t = t.Next() {
//		// do something with t.
//	}
type taskList struct {
	head *Task
	tail *Task
}

// Empty returns true iff the list is empty.
func (l *taskList) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
func (l *taskList) Front() *Task {
	return l.head
}

// Back returns the last element of list l or nil.
func (l *taskList) Back() *Task {
	return l.tail
}

// Len returns the number of elements in the list.
//
// NOTE: This is an O(n) operation.
func (l *taskList) Len() (count int) {
	for t := l.Front(); t != nil; t = t.Next() {
		count++
	}
	return count
}

// PushBack inserts the element t at the back of list l.
func (l *taskList) PushBack(t *Task) {
	t.SetNext(nil)
	t.SetPrev(l.tail)
	if l.tail != nil {
		l.tail.SetNext(t)
	} else {
		l.head = t
	}

	l.tail = t
}

// taskEntry is a default implementation of the list linker. Users can add
// anonymous fields of this type to their structs to make them automatically
// implement the methods needed by taskList.
type taskEntry struct {
	next *Task
	prev *Task
}

// Next returns the entry that follows e in the list.
func (e *taskEntry) Next() *Task {
	return e.next
}

// Prev returns the entry that precedes e in the list.
func (e *taskEntry) Prev() *Task {
	return e.prev
}

// SetNext assigns 'entry' as the entry that follows e in the list.
func (e *taskEntry) SetNext(t *Task) {
	e.next = t
}

// SetPrev assigns 'entry' as the entry that precedes e in the list.
func (e *taskEntry) SetPrev(t *Task) {
	e.prev = t
}
