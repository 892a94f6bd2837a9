// Package scheduler runs named periodic jobs on robfig/cron.
//
// A job never overlaps itself: ticks that arrive while a run is in flight are
// skipped. Schedules can be swapped at runtime.
package scheduler
