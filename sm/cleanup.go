/*
 *
 * Copyright 2025 Mercury authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package sm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Cleanup removes straggler files left behind by endpoints of the current
// user that exited without closing: the per-user socket tree and the
// shared-memory objects. The sweep is best-effort; objects still mapped by
// live processes remain usable until unmapped.
func Cleanup() error {
	username, err := currentUsername()
	if err != nil {
		return err
	}
	_, err = cleanupUser(username)
	return err
}

// cleanupUser sweeps one user's tree and returns the removed paths.
func cleanupUser(username string) ([]string, error) {
	var removed []string

	// Socket tree: remove files depth-first, then the directories.
	tree := filepath.Join(os.TempDir(), fmt.Sprintf("%s_%s", shmPrefix, username))
	var dirs []string
	filepath.Walk(tree, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if os.Remove(path) == nil {
			removed = append(removed, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		if os.Remove(dirs[i]) == nil {
			removed = append(removed, dirs[i])
		}
	}

	// Shared-memory namespace.
	prefix := fmt.Sprintf("%s_%s-", shmPrefix, username)
	entries, err := os.ReadDir(shmDir())
	if err != nil {
		return removed, nil
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		path := filepath.Join(shmDir(), entry.Name())
		if os.Remove(path) == nil {
			removed = append(removed, path)
		}
	}

	return removed, nil
}

// ListRegions returns the shared-memory object paths currently present for
// the given user (the current user when empty).
func ListRegions(username string) ([]string, error) {
	if username == "" {
		var err error
		username, err = currentUsername()
		if err != nil {
			return nil, err
		}
	}
	prefix := fmt.Sprintf("%s_%s-", shmPrefix, username)
	entries, err := os.ReadDir(shmDir())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", shmDir(), err)
	}
	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			paths = append(paths, filepath.Join(shmDir(), entry.Name()))
		}
	}
	return paths, nil
}
