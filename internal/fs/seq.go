package fs

import (
	"context"
	"errors"
	"iter"
)

var errStopWalk = errors.New("stop walk")

// Chunks walks the repository and chunks each file lazily, in walk order.
// Per-file read failures are yielded as errs.ErrIO and the sequence continues;
// walk failures such as errs.ErrLimitExceeded end it. Ranging again restarts the walk.
func Chunks(ctx context.Context, w Walker, c Chunker) iter.Seq2[FileChunks, error] {
	return func(yield func(FileChunks, error) bool) {
		stopped := false
		err := w.Walk(func(fi FileInfo) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			chunks, err := c.ChunkFile(fi)
			if !yield(FileChunks{File: fi, Chunks: chunks}, err) {
				stopped = true
				return errStopWalk
			}
			return nil
		})
		if err != nil && !stopped {
			yield(FileChunks{}, err)
		}
	}
}

// ChunkFiles chunks an already enumerated file list lazily.
func ChunkFiles(ctx context.Context, files []FileInfo, c Chunker) iter.Seq2[FileChunks, error] {
	return func(yield func(FileChunks, error) bool) {
		for _, fi := range files {
			if err := ctx.Err(); err != nil {
				yield(FileChunks{}, err)
				return
			}
			chunks, err := c.ChunkFile(fi)
			if !yield(FileChunks{File: fi, Chunks: chunks}, err) {
				return
			}
		}
	}
}

// Collect walks the repository and returns every qualifying file.
func Collect(ctx context.Context, w Walker) ([]FileInfo, error) {
	var files []FileInfo
	err := w.Walk(func(fi FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		files = append(files, fi)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
