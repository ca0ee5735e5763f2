// Resets ownership and modes of the certificate store so the proxy process (possibly
// running as a different uid inside its container) can read the material.
package permissions

import (
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/function61/gokit/logex"
	"github.com/hashicorp/go-multierror"
)

const (
	DefaultDirMode  os.FileMode = 0755
	DefaultFileMode os.FileMode = 0644
)

type Normalizer struct {
	uid      int // -1 = leave as-is
	gid      int // -1 = leave as-is
	dirMode  os.FileMode
	fileMode os.FileMode
	chown    func(path string, uid int, gid int) error
	logl     *logex.Leveled
}

func New(uid int, gid int, logger *log.Logger) *Normalizer {
	return &Normalizer{
		uid:      uid,
		gid:      gid,
		dirMode:  DefaultDirMode,
		fileMode: DefaultFileMode,
		chown:    os.Lchown,
		logl:     logex.Levels(logger),
	}
}

// resolves uid/gid from a user name (the identity the proxy container reads as)
func ForUser(username string, logger *log.Logger) (*Normalizer, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", username, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("user %q: non-numeric uid %s", username, u.Uid)
	}

	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("user %q: non-numeric gid %s", username, u.Gid)
	}

	return New(uid, gid, logger), nil
}

// recursively applies ownership and modes. a missing path is no error (nothing to
// normalize). every entry is attempted, failures are reported together.
func (n *Normalizer) Normalize(root string) error {
	if _, err := os.Lstat(root); os.IsNotExist(err) {
		return nil
	}

	var result *multierror.Error

	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			result = multierror.Append(result, err)
			return nil
		}

		if n.uid != -1 || n.gid != -1 {
			if err := n.chown(path, n.uid, n.gid); err != nil {
				result = multierror.Append(result, fmt.Errorf("chown %s: %w", path, err))
			}
		}

		// chmod would follow symlinks (certbot's live/ links into archive/ which we'll visit anyway)
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		mode := n.fileMode
		if info.IsDir() {
			mode = n.dirMode
		}

		if err := os.Chmod(path, mode); err != nil {
			result = multierror.Append(result, fmt.Errorf("chmod %s: %w", path, err))
		}

		return nil
	})
	if walkErr != nil {
		result = multierror.Append(result, walkErr)
	}

	if err := result.ErrorOrNil(); err != nil {
		n.logl.Error.Printf("normalize %s: %v", root, err)
		return err
	}

	n.logl.Info.Printf("normalized permissions under %s", root)

	return nil
}
