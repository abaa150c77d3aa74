package common

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 4 * 1024 * 1024 // 4 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyOptions tune CopyThrottled.
type CopyOptions struct {
	// RateBytesPerSec caps the read throughput. Zero disables throttling.
	RateBytesPerSec int64
	// Compress writes the destination as an xz stream.
	Compress bool
	// Decompress reads the source as an xz stream.
	Decompress bool
	// LowerPriority raises the niceness of the process before copying.
	LowerPriority bool
}

// CopyResult describes the copied content. Digest is the hex blake3 sum of the
// uncompressed bytes, so it does not depend on compression.
type CopyResult struct {
	Bytes  int64
	Digest string
}

func lowerPriority() error {
	// PRIO_PROCESS, who = 0 (this process)
	const niceness = 19
	if err := syscall.Setpriority(syscall.PRIO_PROCESS, 0, niceness); err != nil {
		return fmt.Errorf("setpriority failed: %w", err)
	}
	return nil
}

// CopyThrottled copies srcPath into dstPath chunk by chunk, waiting on a rate
// limiter before each write. The destination is synced before returning.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, opts CopyOptions, logger *zap.Logger) (CopyResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LowerPriority {
		if err := lowerPriority(); err != nil {
			logger.Warn("Failed to lower process priority", zap.Error(err))
		}
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return CopyResult{}, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return CopyResult{}, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var in io.Reader = src
	if opts.Decompress {
		xr, err := xz.NewReader(src)
		if err != nil {
			return CopyResult{}, fmt.Errorf("create xz reader: %w", err)
		}
		in = xr
	}

	var (
		out io.Writer = dst
		xw  *xz.Writer
	)
	if opts.Compress {
		xw, err = xz.NewWriter(dst)
		if err != nil {
			return CopyResult{}, fmt.Errorf("create xz writer: %w", err)
		}
		out = xw
	}

	var limiter *rate.Limiter
	if opts.RateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateBytesPerSec), chunkSize) // burst = chunkSize
	}

	sum := blake3.New()
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	var readOff int64
	for {
		n, rerr := io.ReadFull(in, buf[:chunkSize])
		if n > 0 {
			if limiter != nil {
				// throttle: wait until enough tokens available for n bytes
				if err := limiter.WaitN(ctx, n); err != nil {
					return CopyResult{}, fmt.Errorf("rate limiter error: %w", err)
				}
			} else if err := ctx.Err(); err != nil {
				return CopyResult{}, err
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return CopyResult{}, fmt.Errorf("write error: %w", err)
			}
			sum.Write(buf[:n])
			readOff += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				break
			}
			return CopyResult{}, fmt.Errorf("read error: %w", rerr)
		}
	}

	if xw != nil {
		if err := xw.Close(); err != nil {
			return CopyResult{}, fmt.Errorf("close xz writer: %w", err)
		}
	}
	if err := dst.Sync(); err != nil {
		return CopyResult{}, fmt.Errorf("sync error: %w", err)
	}

	result := CopyResult{Bytes: readOff, Digest: hexSum(sum)}
	logger.Debug("Copied file",
		zap.String("src", srcPath),
		zap.String("dst", dstPath),
		zap.Int64("bytes", result.Bytes),
		zap.Bool("compress", opts.Compress),
		zap.Bool("decompress", opts.Decompress),
		zap.String("blake3", result.Digest))
	return result, nil
}

// DigestFile returns the size and hex blake3 sum of the content of path. A
// compressed file is digested after decompression.
func DigestFile(ctx context.Context, path string, compressed bool) (CopyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return CopyResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var in io.Reader = f
	if compressed {
		xr, err := xz.NewReader(f)
		if err != nil {
			return CopyResult{}, fmt.Errorf("create xz reader for %s: %w", path, err)
		}
		in = xr
	}

	sum := blake3.New()
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return CopyResult{}, err
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			sum.Write(buf[:n])
			total += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return CopyResult{}, fmt.Errorf("read %s: %w", path, rerr)
		}
	}
	return CopyResult{Bytes: total, Digest: hexSum(sum)}, nil
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
