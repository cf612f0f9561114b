package dataset

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// WriteShard writes samples as a tar shard with one data member and one
// .cls label member per key.
func WriteShard(w io.Writer, samples []Sample) error {
	tw := tar.NewWriter(w)
	for _, s := range samples {
		if s.Key == "" || s.DataExt == "" {
			return errors.Errorf("write shard: sample %q needs a key and data extension", s.Key)
		}
		if err := writeMember(tw, s.Key+s.DataExt, s.Data); err != nil {
			return err
		}
		if err := writeMember(tw, s.Key+".cls", []byte(strconv.Itoa(s.Label))); err != nil {
			return err
		}
	}
	return errors.Wrap(tw.Close(), "write shard")
}

// WriteShardFile creates path, including parent directories, and writes
// samples into it.
func WriteShardFile(path string, samples []Sample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "write shard")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "write shard")
	}
	if err := WriteShard(f, samples); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "write shard")
}

func writeMember(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "write shard: header %s", name)
	}
	_, err := tw.Write(data)
	return errors.Wrapf(err, "write shard: member %s", name)
}
