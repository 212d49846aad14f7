package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// CompressRLE8 reads bytes from the input and writes RLE8-compressed data to
// the output until the input is exhausted. The returned count is the number
// of bytes written, valid only if no error occurred.
//
// Unlike a general-purpose RLE codec, run detection isn't exposed as its own
// reusable type: an exported file is bounded by tinyfs.MaxFileSize, so there
// is no call here for a streaming grouper abstraction independent of the
// compressor that consumes it.
func CompressRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	totalBytesWritten := int64(0)

	for {
		runByte, runLength, runErr := nextRun(source)
		if runErr != nil && !errors.Is(runErr, io.EOF) {
			return totalBytesWritten, runErr
		}

		for runLength >= 2 {
			var repeatCount int
			if runLength > 257 {
				repeatCount = 255
			} else {
				repeatCount = runLength - 2
			}

			n, err := output.Write([]byte{runByte, runByte, byte(repeatCount)})
			if err != nil {
				return totalBytesWritten, err
			}
			totalBytesWritten += int64(n)
			runLength -= repeatCount + 2
		}

		if runLength == 1 {
			n, err := output.Write([]byte{runByte})
			if err != nil {
				return totalBytesWritten, err
			}
			totalBytesWritten += int64(n)
		}

		if runErr != nil {
			return totalBytesWritten, nil
		}
	}
}

// nextRun consumes one run of identical bytes from source and reports the
// byte value and how many times it repeated contiguously.
//
// Its error behavior mirrors io.Reader.Read: a non-zero runLength comes back
// with err either nil or io.EOF; a zero runLength comes back with io.EOF or
// some other non-nil error.
func nextRun(source *bufio.Reader) (byte, int, error) {
	first, err := source.ReadByte()
	if err != nil {
		return 0, 0, err
	}

	runLength := 1
	for {
		next, err := source.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return first, runLength, io.EOF
			}
			return 0, 0, err
		}
		if next != first {
			_ = source.UnreadByte()
			return first, runLength, nil
		}
		runLength++
	}
}

// DecompressRLE8 reverses CompressRLE8, writing the original byte stream to
// output.
func DecompressRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	lastByteRead := -1
	totalBytesWritten := int64(0)

	for {
		currentByte, err := source.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return totalBytesWritten, nil
			}
			return totalBytesWritten, fmt.Errorf("error reading input: %w", err)
		}

		var currentOutput []byte
		if int(currentByte) == lastByteRead {
			repeatCountByte, err := source.ReadByte()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf(
						"%w: missing repeat count after two %02x bytes",
						io.ErrUnexpectedEOF,
						uint(lastByteRead),
					)
				}
				return totalBytesWritten, fmt.Errorf("failed to read repeat count: %w", err)
			}

			// Write repeatCount + 1, not +2: the previous iteration already
			// wrote this byte once.
			currentOutput = bytes.Repeat([]byte{currentByte}, int(repeatCountByte)+1)
			lastByteRead = -1
		} else {
			lastByteRead = int(currentByte)
			currentOutput = []byte{currentByte}
		}

		n, err := output.Write(currentOutput)
		if err != nil {
			return totalBytesWritten, fmt.Errorf("failed to write to output: %w", err)
		}
		totalBytesWritten += int64(n)
	}
}
