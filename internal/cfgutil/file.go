// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"os"
)

// RegularFileExists reports whether a regular file exists at filePath, such
// as a config file or a wallet database. Anything else at the path, a
// directory for example, is an error since it can't be read as a file.
func RegularFileExists(filePath string) (bool, error) {
	fi, err := os.Stat(filePath)
	switch {
	case os.IsNotExist(err):
		return false, nil

	case err != nil:
		return false, err

	case !fi.Mode().IsRegular():
		return false, fmt.Errorf("%s is not a regular file", filePath)
	}

	return true, nil
}
