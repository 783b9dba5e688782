// Package chunk splits buffers into fixed-size pieces and reassembles them by
// absolute index.
package chunk

import (
	"errors"
	"fmt"
)

const (
	// DefaultSize is the protocol chunk size in bytes.
	DefaultSize = 32 * 1024
	// MaxSize bounds the chunk size a peer may announce.
	MaxSize = 256 * 1024
)

var (
	// ErrInvalidSize is returned for a chunk size that is not positive.
	ErrInvalidSize = errors.New("chunk: size must be positive")
	// ErrOutOfRange is returned when an index lies past the end of the buffer.
	ErrOutOfRange = errors.New("chunk: index out of range")
)

// Piece is one chunk of a buffer.
type Piece struct {
	Index  int
	Data   []byte
	IsLast bool
}

// Count returns the number of chunks needed for length bytes.
// An empty buffer still travels as one empty chunk.
func Count(length int64, size int) int {
	if size <= 0 || length <= 0 {
		return 1
	}
	chunks := int(length / int64(size))
	if length%int64(size) != 0 {
		chunks++
	}
	return chunks
}

// Split cuts buffer into consecutive pieces of size bytes. Data of each piece
// aliases buffer.
func Split(buffer []byte, size int) ([]Piece, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	count := Count(int64(len(buffer)), size)
	pieces := make([]Piece, 0, count)
	for index := 0; index < count; index++ {
		piece, err := Slice(buffer, index, size)
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, piece)
	}
	return pieces, nil
}

// Slice returns the piece at index without copying.
func Slice(buffer []byte, index, size int) (Piece, error) {
	if size <= 0 {
		return Piece{}, ErrInvalidSize
	}
	if index < 0 {
		return Piece{}, fmt.Errorf("%w: negative index %d", ErrOutOfRange, index)
	}

	start := int64(index) * int64(size)
	length := int64(len(buffer))
	if start > length || (start == length && length > 0) {
		return Piece{}, fmt.Errorf("%w: index %d for %d bytes", ErrOutOfRange, index, length)
	}

	end := start + int64(size)
	if end > length {
		end = length
	}
	return Piece{
		Index:  index,
		Data:   buffer[start:end:end],
		IsLast: end >= length,
	}, nil
}

// Reassemble writes data at offset index*size of partial and returns the
// resulting buffer, growing it with zeros as needed. Writing the same index
// twice overwrites the earlier bytes. The write must end at or before limit.
func Reassemble(partial []byte, index int, data []byte, size int, limit int64) ([]byte, error) {
	if size <= 0 || size > MaxSize {
		return nil, ErrInvalidSize
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: negative index %d", ErrOutOfRange, index)
	}
	if int64(index) > limit/int64(size) {
		return nil, fmt.Errorf("%w: index %d past %d bytes", ErrOutOfRange, index, limit)
	}

	start := int64(index) * int64(size)
	stop := start + int64(len(data))
	if stop > limit {
		return nil, fmt.Errorf("%w: chunk %d ends at byte %d past %d", ErrOutOfRange, index, stop, limit)
	}

	offset, end := int(start), int(stop)
	if end > len(partial) {
		if end <= cap(partial) {
			grown := partial[:end]
			clear(grown[len(partial):])
			partial = grown
		} else {
			grown := make([]byte, end)
			copy(grown, partial)
			partial = grown
		}
	}
	copy(partial[offset:end], data)
	return partial, nil
}

// Truncate cuts a reassembled buffer at the end of the last chunk.
func Truncate(buffer []byte, lastIndex, lastLength, size int) []byte {
	end := int64(lastIndex)*int64(size) + int64(lastLength)
	if end < int64(len(buffer)) {
		return buffer[:end]
	}
	return buffer
}
