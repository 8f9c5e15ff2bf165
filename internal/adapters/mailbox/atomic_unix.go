//go:build !windows

package mailbox

import (
	"os"

	"github.com/google/renameio/v2"
)

// atomicWriteFile replaces path so readers never observe a partial payload.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}
