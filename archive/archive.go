package archive

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/noxer/bytewriter"
)

// CompressExport RLE8-encodes input, then gzips the result into output at
// the highest compression level. Exported files are rarely more than a few
// MiB, so the slower top gzip level costs little and buys the most space.
//
// The returned count is the number of bytes written to output; it is
// undefined if an error occurred.
func CompressExport(input io.Reader, output io.Writer) (int64, error) {
	writer := countingWriter{Writer: output}

	gzWriter, err := gzip.NewWriterLevel(&writer, gzip.BestCompression)
	if err != nil {
		return 0, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	_, err = CompressRLE8(input, gzWriter)
	closeErr := gzWriter.Close()
	if err != nil {
		err = fmt.Errorf("RLE8 compression error: %w", err)
	} else if closeErr != nil {
		err = fmt.Errorf("gzip compression error: %w", closeErr)
	}
	return writer.BytesWritten, err
}

// DecompressExport reverses CompressExport, writing the original bytes to
// output.
func DecompressExport(input io.Reader, output io.Writer) (int64, error) {
	gzReader, err := gzip.NewReader(input)
	if err != nil {
		return 0, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()
	return DecompressRLE8(gzReader, output)
}

// DecompressExportToFixedBuffer decompresses input directly into a
// pre-sized buffer via bytewriter, for callers that already know the exact
// decompressed length (a tinyfs file's recorded size) and want to avoid an
// intermediate growable buffer.
func DecompressExportToFixedBuffer(input io.Reader, size int) ([]byte, error) {
	buf := make([]byte, size)
	writer := bytewriter.New(buf)
	n, err := DecompressExport(input, writer)
	if err != nil {
		return nil, err
	}
	if int(n) != size {
		return nil, fmt.Errorf("archive: decompressed %d bytes, expected exactly %d", n, size)
	}
	return buf, nil
}

// countingWriter wraps an io.Writer, tracking how many bytes have been
// successfully written to it.
type countingWriter struct {
	Writer       io.Writer
	BytesWritten int64
}

func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.Writer.Write(b)
	if err == nil {
		w.BytesWritten += int64(n)
	}
	return n, err
}
