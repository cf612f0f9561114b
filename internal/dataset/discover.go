package dataset

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// ShardName returns the file name DiscoverShards recognizes for shard i.
func ShardName(i int) string { return fmt.Sprintf("shard-%06d.tar", i) }

// DiscoverShards returns paths to shard TAR files beneath root.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover shards")
	}
	sort.Strings(entries)
	return entries, nil
}

// DiscoverByRoot scans each root independently.
func DiscoverByRoot(roots []string) (map[string][]string, error) {
	result := make(map[string][]string, len(roots))
	for _, root := range roots {
		shards, err := DiscoverShards(root)
		if err != nil {
			return nil, err
		}
		result[root] = shards
	}
	return result, nil
}

// Resolve expands a FILE setting into sampler roots. The setting is a comma
// separated list where each entry is a shard directory or a single tar file.
func Resolve(list string) (map[string][]string, error) {
	result := make(map[string][]string)
	total := 0
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		info, err := os.Stat(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve %s", entry)
		}
		if !info.IsDir() {
			result[entry] = []string{entry}
			total++
			continue
		}
		shards, err := DiscoverShards(entry)
		if err != nil {
			return nil, err
		}
		result[entry] = shards
		total += len(shards)
	}
	if total == 0 {
		return nil, errors.Errorf("no shards discovered under %q", list)
	}
	return result, nil
}
