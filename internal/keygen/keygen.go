// Package keygen encodes and decodes time-ordered push keys, the identifiers the integration runtime assigns to
// exchanges and steps. A key sorts lexically in creation order because its leading characters are the creation
// time in big-endian base 64 over an ASCII-ordered alphabet.
package keygen

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/activitytracker/internal/common/trackererrors"
)

const (
	pushChars = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

	timeChars   = 8
	randomChars = 12

	// Keys carry an 'i' prefix and a 'z' suffix so they are valid identifiers in most systems.
	prefix = "i"
	suffix = "z"

	rawKeyLength    = timeChars + randomChars
	prefixKeyLength = len(prefix) + rawKeyLength + len(suffix)
)

var (
	mu      sync.Mutex
	rnd     = rand.New(rand.NewSource(time.Now().UnixNano()))
	lastMs  int64
	lastRnd [randomChars]int
)

// CreateKey returns a new key for the current time. Keys created within the same millisecond increment the
// random part, so successive keys from one process are strictly increasing.
func CreateKey() string {
	return CreateKeyAt(time.Now())
}

// CreateKeyAt returns a new key for t.
func CreateKeyAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()

	ms := t.UnixMilli()
	if ms == lastMs {
		for i := randomChars - 1; i >= 0; i-- {
			if lastRnd[i] < len(pushChars)-1 {
				lastRnd[i]++
				break
			}
			lastRnd[i] = 0
		}
	} else {
		lastMs = ms
		for i := range lastRnd {
			lastRnd[i] = rnd.Intn(len(pushChars))
		}
	}

	var sb strings.Builder
	sb.Grow(prefixKeyLength)
	sb.WriteString(prefix)
	sb.WriteString(encodeTime(ms))
	for _, r := range lastRnd {
		sb.WriteByte(pushChars[r])
	}
	sb.WriteString(suffix)
	return sb.String()
}

// BoundaryKey returns the smallest key that can be created at t: every key created before t sorts below it and
// every key created at or after t sorts at or above it.
func BoundaryKey(t time.Time) string {
	return prefix + encodeTime(t.UnixMilli())
}

// TimeOf decodes the creation time of key. Both the prefixed form ("i" + 20 characters + "z") and the bare
// 20 character form are accepted.
func TimeOf(key string) (time.Time, error) {
	var encoded string
	switch {
	case len(key) == prefixKeyLength && strings.HasPrefix(key, prefix) && strings.HasSuffix(key, suffix):
		encoded = key[len(prefix) : len(prefix)+timeChars]
	case len(key) == rawKeyLength:
		encoded = key[:timeChars]
	default:
		return time.Time{}, errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "key",
			Value:   key,
			Message: "not a push key",
		})
	}
	ms, err := decodeTime(encoded)
	if err != nil {
		return time.Time{}, errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "key",
			Value:   key,
			Message: err.Error(),
		})
	}
	return time.UnixMilli(ms).UTC(), nil
}

func encodeTime(ms int64) string {
	var chars [timeChars]byte
	for i := timeChars - 1; i >= 0; i-- {
		chars[i] = pushChars[ms%64]
		ms /= 64
	}
	return string(chars[:])
}

func decodeTime(encoded string) (int64, error) {
	var ms int64
	for i := 0; i < len(encoded); i++ {
		idx := strings.IndexByte(pushChars, encoded[i])
		if idx < 0 {
			return 0, errors.Errorf("invalid character %q", encoded[i])
		}
		ms = ms*64 + int64(idx)
	}
	return ms, nil
}
