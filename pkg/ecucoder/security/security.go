// Package security defines the seed-to-key capability used to unlock
// protected diagnostic services. The actual algorithms are proprietary and
// licensed per manufacturer; callers inject whichever implementation they
// hold. The package ships only Unavailable, so unlock degrades cleanly when
// no algorithm is present.
package security

import "fmt"

// KeyFunc computes the security-access key for a seed returned by the
// module at the given access level.
type KeyFunc func(seed []byte, moduleAddress uint16, level byte) ([]byte, error)

// ErrUnavailable is returned by Unavailable for every request.
var ErrUnavailable = fmt.Errorf("security: no seed-to-key algorithm available")

// Unavailable is the KeyFunc used when no licensed algorithm is configured.
func Unavailable(_ []byte, moduleAddress uint16, level byte) ([]byte, error) {
	return nil, fmt.Errorf("%w (module 0x%04X, level %d)", ErrUnavailable, moduleAddress, level)
}
