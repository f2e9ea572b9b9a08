//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package eventloop

import (
	"fmt"

	"github.com/migadu/balancer/consts"
)

const defaultKind = KindKqueue

func newPoller(kind Kind, capacity int) (poller, error) {
	switch kind {
	case KindKqueue:
		return newKqueue(capacity)
	case KindSelect:
		return newSelect(capacity)
	}
	return nil, fmt.Errorf("%s: %w", kind, consts.ErrBackendUnsupported)
}

// Supported lists the mechanisms available on this platform.
func Supported() []Kind { return []Kind{KindKqueue, KindSelect} }
