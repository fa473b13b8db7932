// Package sync holds small blocking helpers used next to the lock-free structures.
package sync

import "sync"

// Stack is a mutex-guarded LIFO. Workers park on it, so the most recently
// parked one, whose stack is still warm, is woken first.
type Stack[T any] struct {
	mu  sync.Mutex
	arr []T
}

func NewStack[T any]() *Stack[T] {
	return &Stack[T]{
		arr: make([]T, 0),
	}
}

func (s *Stack[T]) Push(t T) {
	s.mu.Lock()
	s.arr = append(s.arr, t)
	s.mu.Unlock()
}

// Pop removes the last pushed element. ok is false if the stack is empty.
func (s *Stack[T]) Pop() (t T, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.arr) == 0 {
		return t, false
	}
	last := len(s.arr) - 1
	t = s.arr[last]
	var zero T
	s.arr[last] = zero
	s.arr = s.arr[:last]
	return t, true
}

func (s *Stack[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.arr)
}
