package writer

import "errors"

// Stats is a point-in-time view of a writer's warm-up traffic.
type Stats struct {
	Backend string `json:"backend"`
	// QueueDepth counts writes waiting for a worker.
	QueueDepth int `json:"queue_depth"`
	// Pending counts accepted writes not yet applied, including in-flight ones.
	Pending  int64 `json:"pending"`
	Accepted int64 `json:"accepted"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
}

// DropRate is the share of offered writes that were dropped under backpressure.
func (s Stats) DropRate() float64 {
	offered := s.Accepted + s.Dropped
	if offered == 0 {
		return 0
	}
	return float64(s.Dropped) / float64(offered)
}

var (
	ErrQueueFull    = errors.New("writer: queue full, write dropped")
	ErrWriterClosed = errors.New("writer: writer is closed")
	// ErrFlushTimeout means pending writes did not land before the deadline.
	ErrFlushTimeout = errors.New("writer: flush timeout exceeded")
)
