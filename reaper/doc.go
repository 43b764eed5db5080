// Package reaper periodically rotates expired idle containers out of a
// pool on a cron schedule.
package reaper
