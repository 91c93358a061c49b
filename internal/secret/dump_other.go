//go:build !linux

package secret

// excludeFromCoreDump is a no-op where MADV_DONTDUMP does not exist.
func excludeFromCoreDump(_ []byte) error {
	return nil
}
