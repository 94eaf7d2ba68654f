package scheduler

import "github.com/robfig/cron/v3"

// cronParseOptions accepts five-field expressions, an optional leading
// seconds field and descriptors such as @daily.
const cronParseOptions = cron.SecondOptional | cron.Minute | cron.Hour |
	cron.Dom | cron.Month | cron.Dow | cron.Descriptor

// ValidateSchedule reports whether expr is a cron expression the scheduler accepts
func ValidateSchedule(expr string) error {
	_, err := cron.NewParser(cronParseOptions).Parse(expr)
	return err
}
