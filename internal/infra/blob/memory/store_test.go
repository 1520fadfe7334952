package memory

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"

	"cytocore/internal/blob/core"
)

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()
	payload := "checkpoint payload"
	info, err := s.Put(ctx, "checkpoints/a.json", strings.NewReader(payload), core.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"samples": "3"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) || info.ETag == "" {
		t.Fatalf("unexpected info: %+v", info)
	}

	got, rc, err := s.Get(ctx, "checkpoints/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != payload {
		t.Fatalf("expected %q got %q", payload, data)
	}
	if got.Metadata["samples"] != "3" {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}
}

func TestPutIsCreateOnly(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.Put(ctx, "k", strings.NewReader("one"), core.PutOptions{}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if _, err := s.Put(ctx, "k", strings.NewReader("two"), core.PutOptions{}); err == nil {
		t.Fatalf("expected error on overwrite")
	}
	if _, err := s.Put(ctx, "  ", strings.NewReader("x"), core.PutOptions{}); err == nil {
		t.Fatalf("expected error on blank key")
	}
}

func TestMissingKeyIsNotExist(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, _, err := s.Get(ctx, "ghost"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist got %v", err)
	}
	if _, err := s.Head(ctx, "ghost"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist got %v", err)
	}
}

func TestListPrefixSorted(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, key := range []string{"b/2", "a/1", "b/1"} {
		if _, err := s.Put(ctx, key, strings.NewReader(key), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	infos, err := s.List(ctx, "b/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "b/1" || infos[1].Key != "b/2" {
		t.Fatalf("unexpected listing: %+v", infos)
	}
}

func TestDeleteReportsPresence(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.Put(ctx, "k", strings.NewReader("x"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ok, err := s.Delete(ctx, "k"); err != nil || !ok {
		t.Fatalf("expected deletion, got ok=%v err=%v", ok, err)
	}
	if ok, err := s.Delete(ctx, "k"); err != nil || ok {
		t.Fatalf("expected no-op, got ok=%v err=%v", ok, err)
	}
}
