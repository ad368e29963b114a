//go:build !linux

package pagebackend

// NewDefault returns the in-memory Fake backend: no non-Linux platform in
// the pack's retrieved reference material implements a userfault-style
// page-fault redirection facility, matching spec §9's note that ports to
// other OSes must supply their own page-backend equivalent.
func NewDefault() (Backend, error) {
	return NewFake(), nil
}
