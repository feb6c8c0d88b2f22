// Package ident derives a stable per-host identifier used to namespace
// client order ids, so orders from two engine instances sharing one exchange
// account never collide.
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/denisbrodbeck/machineid"
)

const appID = "tradebot-core"

var (
	once sync.Once
	id   string
)

// InstanceID returns an 8-char identifier stable across restarts on the same
// host. Falls back to a random id when the machine id is unavailable
// (containers without /etc/machine-id).
func InstanceID() string {
	once.Do(func() {
		mid, err := machineid.ProtectedID(appID)
		if err != nil || len(mid) < 8 {
			buf := make([]byte, 4)
			_, _ = rand.Read(buf)
			id = hex.EncodeToString(buf)
			return
		}
		id = mid[:8]
	})
	return id
}
