// Copyright 2026 The KOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// OpenFile opens a log file, creating parent directories as needed. The
// following variables in path are expanded:
//
//	%TIMESTAMP%  boot time as YYYYMMDD-HHMMSS
//	%COMMAND%    the subcommand name
//
// An empty path returns a nil file and no error.
func OpenFile(path, command string, now time.Time) (*os.File, error) {
	if len(path) == 0 {
		return nil, nil
	}
	path = strings.ReplaceAll(path, "%TIMESTAMP%", now.Format("20060102-150405"))
	path = strings.ReplaceAll(path, "%COMMAND%", command)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %v", dir, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %v", path, err)
	}
	return f, nil
}
