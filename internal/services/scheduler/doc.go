// Package scheduler fires the periodic membership refresh. Schedules are
// given as cron expressions or plain intervals; execution and mutual
// exclusion are the job runner's concern.
package scheduler
