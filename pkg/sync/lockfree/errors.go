package lockfree

import (
	"fmt"

	"code.hybscloud.com/iox"
)

// ErrEmpty is returned by Dequeue when there is nothing to take. It wraps
// iox.ErrWouldBlock: an empty queue is a control flow signal, the caller is
// expected to retry later.
var ErrEmpty = fmt.Errorf("lockfree: queue is empty: %w", iox.ErrWouldBlock)

// IsWouldBlock reports whether err says the queue had nothing to dequeue.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}
