package chain

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// maxLineSize bounds one exported block record
const maxLineSize = 1 << 20

// WriteJSONL writes blocks as JSON lines in the order given
func WriteJSONL(w io.Writer, blocks []Block) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	for _, b := range blocks {
		if err := enc.Encode(b); err != nil {
			return fmt.Errorf("encode block %d: %w", b.Index, err)
		}
	}

	return bw.Flush()
}

// ReadJSONL reads blocks written by WriteJSONL. Blank lines are skipped; the
// blocks are returned as read, without validation.
func ReadJSONL(r io.Reader) ([]Block, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var blocks []Block
	for line := 1; scanner.Scan(); line++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var b Block
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		blocks = append(blocks, b)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return blocks, nil
}

// Export writes a snapshot of the chain to w as JSON lines
func (s *Store) Export(w io.Writer) error {
	return WriteJSONL(w, s.All())
}
