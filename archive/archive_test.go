package archive_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/noxer/bytewriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/tinyfs/archive"
)

func TestRoundTripExportCompression(t *testing.T) {
	randomData := make([]byte, 119)
	_, err := rand.Read(randomData)
	require.NoError(t, err)

	cases := map[string][]byte{
		"homogenous":   bytes.Repeat([]byte{100}, 9174),
		"empty":        {},
		"heterogenous": randomData,
	}

	for name, sourceData := range cases {
		sourceData := sourceData
		t.Run(name, func(t *testing.T) {
			sourceReader := bytes.NewReader(sourceData)

			compressedBuffer := make([]byte, 10240)
			compressedWriter := bytewriter.New(compressedBuffer)

			compressedSize, err := archive.CompressExport(sourceReader, compressedWriter)
			require.NoError(t, err)
			t.Logf("export size after compression: %d -> %d", len(sourceData), compressedSize)

			compressedReader := bytes.NewReader(compressedBuffer[:compressedSize])
			decompressed, err := archive.DecompressExportToFixedBuffer(compressedReader, len(sourceData))
			require.NoError(t, err)
			assert.Equal(t, sourceData, decompressed)
		})
	}
}

func TestDecompressExportRejectsSizeMismatch(t *testing.T) {
	compressedBuffer := &bytes.Buffer{}
	_, err := archive.CompressExport(bytes.NewReader([]byte("hello")), compressedBuffer)
	require.NoError(t, err)

	_, err = archive.DecompressExportToFixedBuffer(bytes.NewReader(compressedBuffer.Bytes()), 3)
	assert.Error(t, err)
}
