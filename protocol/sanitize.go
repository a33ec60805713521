package protocol

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf16"

	"github.com/Saidiibrahim/maze-escape/domain"
)

const (
	maxRoomIDLength     = 50
	maxPlayerNameLength = 30
)

var (
	roomIDPattern  = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	tagPattern     = regexp.MustCompile(`<[^>]*>`)
	unsafeChars    = regexp.MustCompile(`[<>'"&]`)
	whitespaceRuns = regexp.MustCompile(`[\s\p{Z}]+`)
)

// SanitizeRoomID trims id and checks it is 1-50 letters, digits, hyphens or
// underscores.
func SanitizeRoomID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if len(id) < 1 || len(id) > maxRoomIDLength {
		return "", false
	}
	if !roomIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

// SanitizePlayerName strips markup and unsafe characters, collapses
// whitespace and checks the result is 1-30 UTF-16 code units long, the length
// browser clients see.
func SanitizePlayerName(name string) (string, bool) {
	name = tagPattern.ReplaceAllString(name, "")
	name = unsafeChars.ReplaceAllString(name, "")
	name = whitespaceRuns.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)

	n := len(utf16.Encode([]rune(name)))
	if n < 1 || n > maxPlayerNameLength {
		return "", false
	}
	return name, true
}

func decodeString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// decodeVec3 accepts only an object whose x, y and z are all finite numbers.
func decodeVec3(raw json.RawMessage) (domain.Vec3, bool) {
	if len(raw) == 0 {
		return domain.Vec3{}, false
	}
	var v struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
		Z *float64 `json:"z"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return domain.Vec3{}, false
	}
	if v.X == nil || v.Y == nil || v.Z == nil {
		return domain.Vec3{}, false
	}
	vec := domain.Vec3{X: *v.X, Y: *v.Y, Z: *v.Z}
	return vec, vec.Finite()
}

func decodeTimestamp(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var ts float64
	if err := json.Unmarshal(raw, &ts); err != nil || ts <= 0 {
		return 0, false
	}
	return ts, true
}
