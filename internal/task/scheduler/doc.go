// Package scheduler turns named recurring schedules (cron, interval, daily,
// weekly, once) into timed jobs on an engine.Processor.
//
// Each schedule is a trigger job parked in the processor's timed queue. When
// it comes due it enqueues a fresh job from the schedule's factory and
// re-arms itself at the next due time. The scheduler owns no goroutines.
package scheduler
