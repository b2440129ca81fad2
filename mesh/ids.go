package mesh

import (
	"strconv"
	"strings"
	"time"
)

const (
	keyIDSuffix      = "-KEY"
	presenceIDSuffix = "-P"
	deleteIDSuffix   = "-DEL"
)

// idClock hands out millisecond stamps that strictly increase within the
// process, so two ids minted in the same millisecond never collide.
type idClock struct {
	last int64
}

func (c *idClock) next(now time.Time) int64 {
	ms := now.UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	return ms
}

func messageID(senderID string, millis int64, suffix string) string {
	return senderID + "-" + strconv.FormatInt(millis, 10) + suffix
}

// timestampFromID recovers the creation time embedded in an id of the form
// {sender}-{millis}[-suffix].
func timestampFromID(senderID, id string) (int64, bool) {
	rest, ok := strings.CutPrefix(id, senderID+"-")
	if !ok {
		return 0, false
	}
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		rest = rest[:i]
	}
	millis, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || millis <= 0 {
		return 0, false
	}
	return millis, true
}
