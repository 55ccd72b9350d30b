// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import "regexp"

// nestNames is the curated pool of sonic-themed names assigned to
// nests created without an explicit name.
var nestNames = []string{
	"WaveyNest", "BassNest", "VibesNest", "FunkNest", "GrooveNest",
	"TrebleNest", "ReverbNest", "TempoNest", "RiffNest", "SynthNest",
	"LoopNest", "BeatNest", "ChordNest", "FaderNest", "SubNest",
	"DropNest", "PulseNest", "ToneNest", "MixNest", "TrackNest",
	"SampleNest", "BreakNest", "HookNest", "BridgeNest", "VerseNest",
	"ChorusNest", "MelodyNest", "RhythmNest", "HarmonyNest", "CadenceNest",
	"OctaveNest", "PitchNest", "GainNest", "ClipNest", "FlangerNest",
	"PhaserNest", "DistortNest", "WahNest", "CrunchNest", "FuzzNest",
	"BoostNest", "SlapNest", "SnapNest", "PopNest", "ClickNest",
	"BoomNest", "HissNest", "BuzzNest", "TwangNest", "StompNest",
}

// seedEntry is a themed recommendation seed associated with a curated
// nest name: a default catalog track plus the genre keyword to bias
// the C6 "genre" strategy toward.
type seedEntry struct {
	TrackURI string
	Genre    string
}

// defaultSeed is used for the main nest and for any custom-named nest
// that doesn't match an entry in nestSeedMap.
var defaultSeed = seedEntry{TrackURI: "spotify:track:3utq2FgD1pkmIoaWfjXWAU"}

// nestSeedMap maps each curated nest name to a themed recommendation
// seed, so "VibesNest" leans chill and "GainNest" leans metal without
// requiring the creator to supply a seed track.
var nestSeedMap = map[string]seedEntry{
	"WaveyNest":    {"spotify:track:5GUYJTQap5F3RDQiCOJhrS", "new wave"},
	"BassNest":     {"spotify:track:3MODES4TNtygekLl146Dxd", "bass music"},
	"VibesNest":    {"spotify:track:5le4sn0iMcnKU56bdmNzso", "chill"},
	"FunkNest":     {"spotify:track:4XRkQloZFcRrCONN7ZQ49Y", "funk"},
	"GrooveNest":   {"spotify:track:1TfqLAPs4K3s2rJMoCokcS", "groove"},
	"TrebleNest":   {"spotify:track:1vrd6UOGamcKNGnSHJQlSt", "classical"},
	"ReverbNest":   {"spotify:track:2pQ4A6w5HSurB5WiaLFhcF", "shoegaze"},
	"TempoNest":    {"spotify:track:3yfqSUWxFvZELEM4PmlwIR", "drum and bass"},
	"RiffNest":     {"spotify:track:57bgtoPSgt236HzfBOd8kj", "hard rock"},
	"SynthNest":    {"spotify:track:3MrRksHupTVEQ7YbA0FsZK", "synthpop"},
	"LoopNest":     {"spotify:track:6nek1Nin9q48AVZcWs9e9D", "trip hop"},
	"BeatNest":     {"spotify:track:7GhIk7Il098yCjg4BQjzvb", "hip hop"},
	"ChordNest":    {"spotify:track:4gphxUgq0JSFv2BCLhNDiE", "jazz"},
	"FaderNest":    {"spotify:track:2PpruBYCo4H7WOBJ7Q2EwM", "deep house"},
	"SubNest":      {"spotify:track:4rwpZEcnalkuhPyGkEdhu0", "dubstep"},
	"DropNest":     {"spotify:track:5HQVUIKwCEXpe7JIHyY734", "edm"},
	"PulseNest":    {"spotify:track:7xQYVjs4wZNdCwO0EeAWMC", "techno"},
	"ToneNest":     {"spotify:track:4u7EnebtmKWzUH433cf5Qv", "soul"},
	"MixNest":      {"spotify:track:4uLU6hMCjMI75M1A2tKUQC", "dance"},
	"TrackNest":    {"spotify:track:0pqnGHJpmpxLKifKRmU6WP", "electronic"},
	"SampleNest":   {"spotify:track:5Z01UMMf7V1o0MzF86s6WJ", "boom bap"},
	"BreakNest":    {"spotify:track:40riOy7x9W7GXjyGp4pjAv", "breakbeat"},
	"HookNest":     {"spotify:track:7lPN2DXiMsVn7XUKtOW1CS", "pop"},
	"BridgeNest":   {"spotify:track:6dGnYIeXmHdcikdzNNDMm2", "progressive rock"},
	"VerseNest":    {"spotify:track:3n3Ppam7vgaVa1iaRUc9Lp", "singer-songwriter"},
	"ChorusNest":   {"spotify:track:3qiyyUfYe7CRYLucrPmulD", "anthem"},
	"MelodyNest":   {"spotify:track:3BQHpFgAp4l80e1XslIjNI", "indie pop"},
	"RhythmNest":   {"spotify:track:2r0KlAVemiB1TyTqgCh5ve", "afrobeat"},
	"HarmonyNest":  {"spotify:track:5jgFfDIR6FR0gvlA56Nakr", "a cappella"},
	"CadenceNest":  {"spotify:track:2tUBqZG2AbRi7Q0BIrVrEj", "neo soul"},
	"OctaveNest":   {"spotify:track:1B75hgRqe7A4fwee3g3Wmu", "opera"},
	"PitchNest":    {"spotify:track:17QTsL4K9B9v4rI8CAIdfC", "barbershop"},
	"GainNest":     {"spotify:track:7iN1s7xHE4ifF5povM6A48", "metal"},
	"ClipNest":     {"spotify:track:7dt6x5M1jzdTEt8oCbisTK", "lo-fi"},
	"FlangerNest":  {"spotify:track:37Tmv4NnfQeb0ZgUC4fOJj", "psychedelic rock"},
	"PhaserNest":   {"spotify:track:6habFhsOp2NvshLv26DqMb", "space rock"},
	"DistortNest":  {"spotify:track:5ghIJDpPoe3CfHMGu71E6T", "grunge"},
	"WahNest":      {"spotify:track:0wJoRiX5K5BxlqZTolB2LD", "blues rock"},
	"CrunchNest":   {"spotify:track:124Y9LPRCAz3q2OP0iCvcJ", "punk rock"},
	"FuzzNest":     {"spotify:track:5CQ30WqJwcep0pYcV4AMNc", "stoner rock"},
	"BoostNest":    {"spotify:track:0VjIjW4GlUZAMYd2vXMi3b", "power pop"},
	"SlapNest":     {"spotify:track:3ZOEytgrvLwQaqXreDs2Jx", "slap house"},
	"SnapNest":     {"spotify:track:0VgkVdmE4gld66l8iyGjgx", "trap"},
	"PopNest":      {"spotify:track:2Fxmhks0bxGSBdJ92vM42m", "pop"},
	"ClickNest":    {"spotify:track:553HOkDZQktOEBKvxTBPS1", "minimal techno"},
	"BoomNest":     {"spotify:track:5YoITs1m0q8UOQ4AW7N5ga", "reggaeton"},
	"HissNest":     {"spotify:track:4LRPiXqCikLlN15c3yImP7", "ambient"},
	"BuzzNest":     {"spotify:track:2EoOZnxNgtmZaD8uUmz2nD", "industrial"},
	"TwangNest":    {"spotify:track:5rDkA2TFOImbiVenmnE9r4", "country"},
	"StompNest":    {"spotify:track:3dPQuX8Gs42Y7b454ybpMR", "garage rock"},
}

var trailingDigits = regexp.MustCompile(`\d+$`)

// seedForName looks up the themed seed for a curated nest name,
// stripping a trailing numeric overflow suffix first (e.g.
// "BassNest2" resolves the same seed as "BassNest"). Unknown names
// fall back to defaultSeed.
func seedForName(name string) seedEntry {
	if s, ok := nestSeedMap[name]; ok {
		return s
	}
	base := trailingDigits.ReplaceAllString(name, "")
	if s, ok := nestSeedMap[base]; ok {
		return s
	}
	return defaultSeed
}
