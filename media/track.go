package media

import (
	"regexp"
)

var trackIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// TrackID identifies a remotely sourced track. Local content uses other key shapes
// (content:// URIs, file paths, numeric ids) and never matches.
type TrackID string

func ParseTrackID(key string) (TrackID, bool) {
	if !IsRemote(key) {
		return "", false
	}
	return TrackID(key), true
}

func IsRemote(key string) bool {
	return trackIDPattern.MatchString(key)
}

func (id TrackID) String() string {
	return string(id)
}
