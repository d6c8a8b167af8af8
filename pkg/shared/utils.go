package shared

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"
)

var idFallback atomic.Uint64

// NewConnID creates a short random identifier for tracking one logical
// connection or tunnel session in logs and the dashboard.
func NewConnID(prefix string) string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		n := idFallback.Add(1)
		return prefix + "-" + strconv.FormatInt(time.Now().UnixNano(), 36) + strconv.FormatUint(n, 36)
	}
	return prefix + "-" + hex.EncodeToString(b)
}
