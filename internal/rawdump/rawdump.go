package rawdump

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	"sleepywoodpecker/adcstream/internal/processing"
)

const WordSize = 4

// Options selects the output unit. With Millivolts unset every word is printed as its
// unsigned decimal code.
type Options struct {
	Millivolts bool
	Converter  processing.Converter
}

// Convert reads big endian 32 bit words, such as the output of iio_readdev, and writes one
// value per line. It returns the number of words converted. A trailing partial word is
// reported as an error after everything before it has been written.
func Convert(r io.Reader, w io.Writer, opts Options) (int, error) {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)

	var (
		word  [WordSize]byte
		line  []byte
		count int
	)
	for {
		n, err := io.ReadFull(br, word[:])
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			if ferr := bw.Flush(); ferr != nil {
				return count, ferr
			}
			return count, fmt.Errorf("[rawdump] %d trailing bytes after %d words", n, count)
		}
		if err != nil {
			return count, err
		}

		code := binary.BigEndian.Uint32(word[:])
		if opts.Millivolts {
			mv := processing.ToVoltage(code, opts.Converter.FullScaleCodes, opts.Converter.ReferenceVoltage) * 1000
			line = strconv.AppendFloat(line[:0], mv, 'f', 5, 64)
		} else {
			line = strconv.AppendUint(line[:0], uint64(code), 10)
		}
		line = append(line, '\n')
		if _, err := bw.Write(line); err != nil {
			return count, err
		}
		count++
	}

	return count, bw.Flush()
}
