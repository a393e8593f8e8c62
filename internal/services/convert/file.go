package convert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/j-veylop/cliproxy-manager/internal/logger"
)

// Stdout is the output path that writes to standard output.
const Stdout = "-"

// Options controls ConvertFile.
type Options struct {
	// Stdout receives the converted JSON when the output path is Stdout.
	Stdout io.Writer
	// FillDefaults adds CLIProxyPlus-only fields when writing the snake_case
	// layout and strips them again when writing the camelCase one.
	FillDefaults bool
}

// Result describes a finished file conversion.
type Result struct {
	Source    Format
	Target    Format
	Output    string
	Unchanged bool // Input already was in the target layout; nothing was written
}

// DefaultOutputPath derives "<stem>.<target>.json" next to the input file.
func DefaultOutputPath(in string, target Format) string {
	dir, base := filepath.Split(in)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, stem+"."+string(target)+".json")
}

// ConvertFile reads a credential file, converts it and writes the result.
// An empty target means the opposite of the detected layout; an empty out
// means DefaultOutputPath.
func ConvertFile(in, out string, target Format, opts Options) (*Result, error) {
	data, err := os.ReadFile(filepath.Clean(in))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", in, err)
	}

	record, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", in, err)
	}

	source, err := Detect(record)
	if err != nil {
		return nil, err
	}
	if target == "" {
		target = source.Other()
	}

	res := &Result{Source: source, Target: target}
	if source == target {
		res.Unchanged = true
		logger.Info("input already in target format", "file", in, "format", target)
		return res, nil
	}

	converted, err := Convert(record, target)
	if err != nil {
		return nil, err
	}
	if opts.FillDefaults {
		if target == FormatCLIProxy {
			FillDefaults(converted)
		} else {
			StripDefaults(converted)
		}
	}

	encoded, err := json.MarshalIndent(converted, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	encoded = append(encoded, '\n')

	if out == "" {
		out = DefaultOutputPath(in, target)
	}
	res.Output = out

	if out == Stdout {
		w := opts.Stdout
		if w == nil {
			w = os.Stdout
		}
		if _, err := w.Write(encoded); err != nil {
			return nil, fmt.Errorf("failed to write output: %w", err)
		}
		return res, nil
	}

	// Credentials hold secrets; keep them owner-readable only.
	if err := os.WriteFile(out, encoded, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", out, err)
	}
	logger.Debug("converted credential file", "in", in, "out", out, "from", source, "to", target)
	return res, nil
}

// decode keeps numbers as json.Number so large timestamps survive a round trip.
func decode(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var record Record
	if err := dec.Decode(&record); err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &FormatError{Reason: "top-level JSON value is not an object"}
	}
	return record, nil
}
