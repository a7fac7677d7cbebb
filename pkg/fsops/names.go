package fsops

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const randomSuffixTries = 12

// SplitExt splits "app.tar.gz" into ("app", ".tar.gz") and "notes.txt" into
// ("notes", ".txt"). Dotfiles keep their leading dot in the base.
func SplitExt(name string) (base, ext string) {
	trimmed := strings.TrimPrefix(name, ".")
	i := strings.Index(trimmed, ".")
	if i < 0 {
		return name, ""
	}
	cut := i + len(name) - len(trimmed)
	return name[:cut], name[cut:]
}

// CopyNameCandidates yields the collision-resolution ladder for duplicating
// name: first base+"2"+ext, then up to 12 random 4-digit suffixes. The agent
// takes the first candidate that does not already exist and fails with
// ErrNoAvailableName when the ladder is exhausted.
func CopyNameCandidates(name string) []string {
	base, ext := SplitExt(name)
	out := make([]string, 0, 1+randomSuffixTries)
	out = append(out, base+"2"+ext)
	for i := 0; i < randomSuffixTries; i++ {
		out = append(out, fmt.Sprintf("%s%04d%s", base, randomDigits(), ext))
	}
	return out
}

func randomDigits() int {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return int(uint16(b[0])<<8|uint16(b[1])) % 10000
}
