package dataset

import (
	"context"
	"path/filepath"
	"testing"

	"pointnet-trainer/internal/tensor"
)

func TestWriteShardFileStreamsBack(t *testing.T) {
	img := tensor.New(2, 2)
	img.Data()[3] = 0.5
	path := filepath.Join(t.TempDir(), "nested", "shard-000000.tar")
	err := WriteShardFile(path, []Sample{
		{Key: "a", DataExt: ".dense", Data: EncodeDense(img), Label: 3},
		{Key: "b", DataExt: ".dense", Data: EncodeDense(img), Label: 1},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	samplesCh, errCh := StreamShard(context.Background(), path, Members{Data: "dense"}, 0)
	got, err := drain(samplesCh, errCh)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 2 || got[0].Key != "a" || got[0].Label != 3 || got[1].Label != 1 {
		t.Fatalf("unexpected samples %+v", got)
	}
	back, err := DecodeImage(got[0].DataExt, got[0].Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Data()[3] != 0.5 {
		t.Fatalf("expected round-tripped value, got %v", back.Data())
	}
}

func TestWriteShardRejectsMissingExtension(t *testing.T) {
	if err := WriteShardFile(filepath.Join(t.TempDir(), "shard-000000.tar"), []Sample{{Key: "a"}}); err == nil {
		t.Fatalf("expected error for sample without extension")
	}
}
