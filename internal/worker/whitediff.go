package worker

import (
	"bufio"
	"bytes"
	"io"
)

// The whitespace set is the ASCII subset of the Unicode White_Space class.
var whites = []byte{' ', '\t', '\n', '\v', '\f', '\r'}

func isWhite(b byte) bool {
	return bytes.IndexByte(whites, b) >= 0
}

// whiteDiffCanonicalize strips leading and trailing whitespace and collapses
// every run of whitespace into a single space. Two lines are white-diff
// equivalent iff they canonicalize to the same string.
func whiteDiffCanonicalize(line []byte) []byte {
	fields := bytes.FieldsFunc(line, func(r rune) bool {
		return r < 0x80 && isWhite(byte(r))
	})
	return bytes.Join(fields, whites[:1])
}

// whiteDiff compares two outputs line by line, ignoring whitespace amount
// and kind. Trailing lines made only of whitespace do not affect equality.
func whiteDiff(output, correct io.Reader) (bool, error) {
	outReader := bufio.NewReader(output)
	resReader := bufio.NewReader(correct)

	for {
		lout, outErr := readLine(outReader)
		lres, resErr := readLine(resReader)
		if outErr != nil {
			return false, outErr
		}
		if resErr != nil {
			return false, resErr
		}

		switch {
		// Both files finished: equal.
		case lout == nil && lres == nil:
			return true, nil

		// Only one finished: equal iff the rest of the other is blank.
		case lout == nil || lres == nil:
			blank := func(r rune) bool { return r < 0x80 && isWhite(byte(r)) }
			if len(bytes.TrimFunc(lout, blank)) > 0 ||
				len(bytes.TrimFunc(lres, blank)) > 0 {
				return false, nil
			}

		default:
			if !bytes.Equal(whiteDiffCanonicalize(lout), whiteDiffCanonicalize(lres)) {
				return false, nil
			}
		}
	}
}

// readLine returns the next line (without distinguishing a missing final
// newline), or nil at EOF.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err == io.EOF {
		if len(line) == 0 {
			return nil, nil
		}
		return line, nil
	}
	if err != nil {
		return nil, err
	}
	return line, nil
}

// whiteDiffStep runs the comparison and produces the outcome and message the
// contestant sees.
func whiteDiffStep(output, correct io.Reader) (float64, []string, error) {
	equal, err := whiteDiff(output, correct)
	if err != nil {
		return 0, nil, err
	}
	if equal {
		return 1.0, []string{msgSuccess}, nil
	}
	return 0.0, []string{msgWrong}, nil
}
