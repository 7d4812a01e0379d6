package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/grailbio/base/file"
	"github.com/pkg/errors"
)

// HashFile returns the hex SHA-256 of the raw bytes at path.
func HashFile(ctx context.Context, path string) (sum string, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return "", errors.Wrapf(err, "open %s", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	h := sha256.New()
	if _, err := io.Copy(h, in.Reader(ctx)); err != nil {
		return "", errors.Wrapf(err, "read %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
