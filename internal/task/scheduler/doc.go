// Package scheduler registers cron, interval and one-shot triggers on
// robfig/cron and resolves the user-facing schedule strings into them.
//
// Jobs run on the cron goroutine that fired them. Overlap protection is
// the job's own business.
package scheduler
