// Package capsule implements a single-file, append-only store of
// versioned documents with hybrid search.
//
// A capsule holds frames: immutable versions of uri-addressed documents.
// Appends only ever grow the file; updates append a new version and
// deletes append a tombstone, so any past state can be read back with
// an as-of timestamp. The file carries its own BM25 and HNSW indices in
// trailing sections, making a capsule fully self-contained and safe to
// copy, diff, and merge.
//
// Basic usage:
//
//	c, err := capsule.Create("notes.capsule")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	seq, err := c.Put("capsule://notes/hello.md", []byte("# Hello"))
//	hits, err := c.Search("hello", 10)
//	resp, err := c.Query(ctx, query.Request{Raw: "hello in:notes"})
//
// A capsule is guarded by an exclusive file lock from Open until Close;
// concurrent use within one process is safe.
package capsule
