package lockfree_test

import (
	"fmt"

	"github.com/pelageech/cqueue/pkg/sync/lockfree"
)

func ExampleQueue() {
	q := lockfree.NewQueue[string]()
	q.Enqueue("first")
	q.Enqueue("second")
	q.Enqueue("third")

	if v, ok := q.TryPeek(); ok {
		fmt.Println("peek:", v)
	}
	for v := range q.All() {
		fmt.Println("queued:", v)
	}
	for {
		v, err := q.Dequeue()
		if lockfree.IsWouldBlock(err) {
			break
		}
		fmt.Println("dequeued:", v)
	}
	fmt.Println("empty:", q.IsEmpty())

	// Output:
	// peek: first
	// queued: first
	// queued: second
	// queued: third
	// dequeued: first
	// dequeued: second
	// dequeued: third
	// empty: true
}

func ExampleQueue_Clear() {
	q := lockfree.NewQueue[int]()
	for i := range 5 {
		q.Enqueue(i)
	}
	dropped := q.Clear()
	fmt.Println(dropped, q.IsEmpty(), q.Count())

	// Output:
	// 5 true 0
}
