package evidence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

const maxLineSize = 1 << 20

// ReadLog parses a detection log written by Store.Append
func ReadLog(path string) ([]types.Detection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open detection log: %w", err)
	}
	defer f.Close()
	return DecodeLog(f)
}

// DecodeLog parses JSON Lines detection records from r. Blank lines are skipped.
func DecodeLog(r io.Reader) ([]types.Detection, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var out []types.Detection
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var d types.Detection
		if err := json.Unmarshal(raw, &d); err != nil {
			return out, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, d)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("read detection log: %w", err)
	}
	return out, nil
}
