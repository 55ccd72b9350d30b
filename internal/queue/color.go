// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import "fmt"

// baseShade is the neutral channel value a track starts at before any
// votes land.
const baseShade = 34

// hotShade is the per-channel value an upvoted track ramps toward;
// a downvoted track ramps toward black instead.
const hotShade = 68

// voteSteps is the number of vote increments the ramp fully resolves
// over; votes beyond this magnitude clamp at the extreme color.
const voteSteps = 5

// colorForVotes derives a track's background/foreground color pair
// from its net vote count: a 5-step ramp from neutral gray toward
// either a hot shade (net upvotes) or black (net downvotes). The
// foreground switches to dark text only for a channel above 130, which
// the ramp (at most hotShade, 68) never reaches, so it is always the
// light f0f0ff.
func colorForVotes(votes int) (background, foreground string) {
	other := 0
	if votes > 0 {
		other = hotShade
	}

	magnitude := votes
	if magnitude < 0 {
		magnitude = -magnitude
	}
	if magnitude > voteSteps {
		magnitude = voteSteps
	}

	channel := (magnitude*other + (voteSteps-magnitude)*baseShade) / voteSteps
	background = fmt.Sprintf("%02x%02x%02x", channel, channel, channel)

	foreground = "f0f0ff"
	if channel*3 > 130*3 {
		foreground = "0f0f0f"
	}
	return background, foreground
}
