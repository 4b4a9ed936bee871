// Package id issues time-sortable identifiers for positions, trades and runs.
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	// monotonic keeps ids minted within one millisecond increasing
	entropy = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a ULID stamped with the current time.
func New() string {
	return At(time.Now())
}

// At returns a ULID stamped with t. Simulated trades use bar time so ids
// sort by when the trade happened in the replay. A t the ULID clock cannot
// hold (before 1970 or past year 10889) is stamped with the current time.
func At(t time.Time) string {
	ms := t.UnixMilli()
	if ms < 0 || uint64(ms) > ulid.MaxTime() {
		ms = time.Now().UnixMilli()
	}
	mu.Lock()
	defer mu.Unlock()
	u, err := ulid.New(uint64(ms), entropy)
	if err != nil {
		// monotonic overflow within one millisecond
		return ulid.Make().String()
	}
	return u.String()
}

// Time extracts the timestamp from an id produced by New or At.
func Time(s string) (time.Time, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()).UTC(), nil
}
