//go:build !darwin || !cgo

package rebind

// Without a dynamic loader to drive, the entry points report ErrUnsupported.
func newLoader() imageLoader         { return nil }
func newProtector() sectionProtector { return nil }
