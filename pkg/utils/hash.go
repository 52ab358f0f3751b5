package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
)

// HashString returns a stable hex digest used for cache keys. Input is
// normalized so that whitespace and case differences hit the same key.
func HashString(input string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(input), " "))
	hash := md5.Sum([]byte(normalized))
	return fmt.Sprintf("%x", hash)
}
