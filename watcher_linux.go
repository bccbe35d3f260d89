//go:build linux

package rudp

import "github.com/louisb0/rudp/internal/reactor"

// newWatcher selects the reactor's OS-specific readiness primitive (spec
// §2.1/§4.8's one named external collaborator). Linux is the only target
// this module supports; a build without this file simply fails to
// compile rather than silently falling back to a polling stand-in.
func newWatcher() (reactor.Watcher, error) {
	return reactor.NewEpollWatcher()
}
