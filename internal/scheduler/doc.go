// Package scheduler runs a table's compaction pipeline.
//
// A Scheduler owns a fixed pool of workers and two queues. Workers always
// take from the high priority queue first, so freeze+flush tasks are never
// starved by the much more expensive readonly conversion tasks sitting in
// the low priority queue. Each task also holds a background slot of the
// resource controller while it runs, which bounds compaction concurrency
// across every table sharing that controller.
//
// Lifecycle:
//
//	s := scheduler.New(scheduler.Config{Workers: 2})
//	s.Start()
//	_ = s.Submit(scheduler.PriorityHigh, flushTask)
//	_ = s.SubmitAfter(time.Second, scheduler.PriorityLow, convertTask)
//	s.Stop(true) // run what is queued, then exit
package scheduler
