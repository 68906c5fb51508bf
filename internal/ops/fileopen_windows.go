//go:build windows

package ops

import (
	"os"

	"github.com/hpungsan/attrscope/internal/errors"
)

// openNoFollow opens a capture file. Windows has no O_NOFOLLOW; ValidatePath
// has already rejected symlinks.
func openNoFollow(path string, flag int, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		if os.IsNotExist(err) && flag&os.O_CREATE == 0 {
			return nil, errors.NewFileNotFound(path)
		}
		return nil, err
	}
	return f, nil
}
