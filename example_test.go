package dedupfs_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"strings"

	"github.com/aweris/dedupfs"
	"github.com/aweris/dedupfs/internal/index"
	"github.com/aweris/dedupfs/internal/remote"
	"github.com/aweris/dedupfs/internal/store"
	"github.com/google/go-containerregistry/pkg/registry"
)

func Example() {
	ctx := context.Background()

	engine, err := dedupfs.New(store.NewMemoryStore(), index.NewMemoryIndex())
	if err != nil {
		log.Fatal(err)
	}

	// Two names, one blob
	_, _ = engine.Create(ctx, "greeting", "", strings.NewReader("Hello, dedupfs!"))
	_, _ = engine.Create(ctx, "copy", "", strings.NewReader("Hello, dedupfs!"))

	rec, _ := engine.Stat(ctx, "greeting")
	fmt.Printf("Stored: %s (size: %d)\n", rec.Hash[:12], rec.Size)

	dl, err := engine.Get(ctx, "copy")
	if err != nil {
		log.Fatal(err)
	}
	data, _ := io.ReadAll(dl)
	dl.Close()
	fmt.Printf("Content: %s\n", data)

	stats, _ := engine.Stats(ctx)
	fmt.Printf("Files: %d, blobs: %d\n", stats.Files, stats.Blobs)

	_, err = engine.Create(ctx, "greeting", "", strings.NewReader("changed"))
	fmt.Println(err)

	// Output:
	// Stored: f0f262e74558 (size: 15)
	// Content: Hello, dedupfs!
	// Files: 2, blobs: 1
	// dedupfs: file exists: "greeting"
}

func ExampleEngine_Push() {
	ctx := context.Background()

	// In-process registry; any OCI registry ref works here.
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	imageRef := strings.TrimPrefix(srv.URL, "http://") + "/dedupfs-demo:main"

	r, err := remote.NewOCIRemote(imageRef, nil, nil)
	if err != nil {
		log.Fatal(err)
	}

	src, _ := dedupfs.New(store.NewMemoryStore(), index.NewMemoryIndex())
	_, _ = src.Create(ctx, "message", "", strings.NewReader("Hello from dedupfs!"))

	if _, err := src.Push(ctx, r); err != nil {
		log.Fatal(err)
	}

	// Fresh store restored from the registry
	dst, _ := dedupfs.New(store.NewMemoryStore(), index.NewMemoryIndex())
	report, err := dst.Pull(ctx, r)
	if err != nil {
		log.Fatal(err)
	}

	dl, err := dst.Get(ctx, "message")
	if err != nil {
		log.Fatal(err)
	}
	defer dl.Close()

	fmt.Printf("Pulled %d files\n", report.Files)
	_, _ = io.Copy(os.Stdout, dl)
	// Output:
	// Pulled 1 files
	// Hello from dedupfs!
}
