// Package archive compresses tinyfs file content for backup, the way
// disko's utilities/compression package compresses whole disk images.
//
// A tinyfs image is mostly fixed-size blocks; a sparsely-written file leaves
// long runs of null bytes behind wherever it hasn't been written. Run-length
// encoding those runs first, then gzipping the result, shrinks an exported
// file far more than gzip alone: an empty 4 MiB image RLE8-encodes to under
// 48 KiB before gzip even sees it.
//
// This implements the same RLE8 encoding as the Microsoft BMP file format:
// if a byte B occurs N times where N >= 2, B is written twice, followed by a
// third (unsigned) byte giving how many additional times B occurred. For
// example:
//
//	WXXXXXXXXXXXXXXXYZZ
//	W XX 13 Y ZZ 0
//
// This represents runs of up to 257 bytes in three bytes. Longer runs are
// split into separate runs; a run of 300 "X" becomes "XX 255 XX 41". Because
// a repeated byte escapes itself, exactly two occurrences of the same byte
// cost three bytes rather than two.
package archive
