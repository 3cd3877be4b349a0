//go:build !pcsc

package cardreader

// PCSCSupported returns whether PC/SC support is compiled in.
func PCSCSupported() bool {
	return false
}

// EstablishPCSC returns an error when PC/SC support is not compiled in.
func EstablishPCSC() (Terminal, error) {
	return nil, ErrNotCompiled
}
