package scheduler

import "time"

// DefaultSpec fires at 10:00 on the first day of every month, after the
// period boundary so the refresh rotates into the new month's groups.
const DefaultSpec = "0 10 1 * *"

type Config struct {
	Enabled  bool
	Spec     string        // cron expression, HH:MM, or Go duration; default DefaultSpec
	Timezone string        // IANA TZ, e.g. "Asia/Jakarta"; default UTC
	Timeout  time.Duration // per-run budget; 0 means no deadline
}
