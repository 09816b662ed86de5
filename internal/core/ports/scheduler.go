package ports

import "time"

type SchedulerCallbacks struct {
	OnHeartbeat func()
	OnError     func(error)
}

// SchedulerService runs refunds once the chain reaches a height or the wall
// clock reaches a time.
type SchedulerService interface {
	Start()
	Stop()
	SetCallbacks(cb SchedulerCallbacks)
	ScheduleRefundAtHeight(target uint32, refund func()) error
	ScheduleRefundAtTime(at time.Time, refund func()) error
	PendingTasks() int
}
