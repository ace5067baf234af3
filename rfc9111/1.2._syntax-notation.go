package rfc9111

import (
	"time"
)

// §  1.2.2. Delta Seconds
// §
// §  The delta-seconds rule specifies a non-negative integer, representing time
// §  in seconds.
// §
// §      delta-seconds  = 1*DIGIT
// §
// §  A recipient parsing a delta-seconds value and converting it to binary form
// §  ought to use an arithmetic type of at least 31 bits of non-negative integer
// §  range. If a cache receives a delta-seconds value greater than the greatest
// §  integer it can represent, or if any of its subsequent calculations overflows,
// §  the cache MUST consider the value to be 2147483648 (231) or the greatest
// §  positive integer it can conveniently represent.
//
// Origins in the wild send values like "300, must-revalidate" squeezed into a
// single directive, so only the leading digits are read. A value without any
// leading digit is not a delta-seconds value at all.
func deltaSeconds(secondsStr string) (time.Duration, bool) {
	var seconds int64
	digits := 0
	for _, c := range secondsStr {
		if c < '0' || c > '9' {
			break
		}
		digits++
		if seconds < maxDeltaSeconds {
			seconds = seconds*10 + int64(c-'0')
		}
	}
	if digits == 0 {
		return 0, false
	}
	if seconds > maxDeltaSeconds {
		seconds = maxDeltaSeconds
	}
	return time.Second * time.Duration(seconds), true
}

const maxDeltaSeconds = 2147483648
