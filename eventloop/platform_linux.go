//go:build linux

package eventloop

import (
	"fmt"

	"github.com/migadu/balancer/consts"
)

const defaultKind = KindEpoll

func newPoller(kind Kind, capacity int) (poller, error) {
	switch kind {
	case KindEpoll:
		return newEpoll(capacity)
	case KindSelect:
		return newSelect(capacity)
	}
	return nil, fmt.Errorf("%s: %w", kind, consts.ErrBackendUnsupported)
}

// Supported lists the mechanisms available on this platform.
func Supported() []Kind { return []Kind{KindEpoll, KindSelect} }
