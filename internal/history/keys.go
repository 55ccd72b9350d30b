// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"fmt"
	"time"
)

// playsKey is the single global sorted set every finished play is
// mirrored into, scored by its end time (Unix seconds). It is
// deliberately not nest-prefixed: a nest's own plays are recovered by
// filtering PlayRecord.NestID at read time, matching the key layout
// the daily log files share.
const playsKey = "playhistory"

// dailyFileName returns the per-day ndjson log file name for day.
func dailyFileName(day time.Time) string {
	return fmt.Sprintf("play_log_%04d_%02d_%02d.json", day.Year(), day.Month(), day.Day())
}
