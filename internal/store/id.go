package store

import (
	crand "crypto/rand"
	"math/big"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ulidEntropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	ulidEntropyMu sync.Mutex
)

// NewID returns a ULID; IDs minted by one process sort in creation order.
// Action timestamps are kept at millisecond precision so (created_at, id)
// order and id order agree.
func NewID() string {
	return NewIDAt(time.Now())
}

func NewIDAt(t time.Time) string {
	ulidEntropyMu.Lock()
	defer ulidEntropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), ulidEntropy).String()
}

const (
	JoinCodeLength = 6
	joinCodeChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

func NewJoinCode() string {
	code := make([]byte, JoinCodeLength)
	for i := range code {
		n, err := crand.Int(crand.Reader, big.NewInt(int64(len(joinCodeChars))))
		if err != nil {
			code[i] = joinCodeChars[rand.Intn(len(joinCodeChars))]
			continue
		}
		code[i] = joinCodeChars[n.Int64()]
	}
	return string(code)
}

// NormalizeJoinCode upper-cases and trims user-typed codes.
func NormalizeJoinCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
