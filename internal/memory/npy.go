package memory

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
)

// Minimal NPY v1.0 codec for little-endian float32 matrices. Only the shape
// this package writes is supported; anything else fails loudly so a foreign
// file is never half-read.

var npyMagic = []byte("\x93NUMPY")

func writeNPY(path string, rows, cols int, data []float32) error {
	if len(data) != rows*cols {
		return fmt.Errorf("npy: data length %d does not match %dx%d", len(data), rows, cols)
	}

	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d, %d), }", rows, cols)
	// Total header size (magic + version + length field + text) pads to 64.
	base := len(npyMagic) + 2 + 2
	pad := 64 - (base+len(header)+1)%64
	header += strings.Repeat(" ", pad) + "\n"

	buf := &bytes.Buffer{}
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	buf.WriteString(header)
	if err := binary.Write(buf, binary.LittleEndian, data); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("npy: write temp: %w", err)
	}
	return os.Rename(tmp, path)
}

func readNPY(path string) (rows, cols int, data []float32, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, nil, err
	}
	if len(raw) < 10 || !bytes.HasPrefix(raw, npyMagic) {
		return 0, 0, nil, fmt.Errorf("npy: bad magic in %s", path)
	}
	if raw[6] != 1 {
		return 0, 0, nil, fmt.Errorf("npy: unsupported version %d", raw[6])
	}
	headerLen := int(binary.LittleEndian.Uint16(raw[8:10]))
	if len(raw) < 10+headerLen {
		return 0, 0, nil, fmt.Errorf("npy: truncated header")
	}
	header := string(raw[10 : 10+headerLen])
	if !strings.Contains(header, "'<f4'") || strings.Contains(header, "True") {
		return 0, 0, nil, fmt.Errorf("npy: unsupported dtype or order: %s", header)
	}
	if _, err := fmt.Sscanf(shapeField(header), "(%d, %d)", &rows, &cols); err != nil {
		return 0, 0, nil, fmt.Errorf("npy: parse shape: %w", err)
	}

	body := raw[10+headerLen:]
	want := rows * cols * 4
	if len(body) < want {
		return 0, 0, nil, fmt.Errorf("npy: body %d bytes, want %d", len(body), want)
	}
	data = make([]float32, rows*cols)
	if err := binary.Read(bytes.NewReader(body[:want]), binary.LittleEndian, data); err != nil {
		return 0, 0, nil, err
	}
	return rows, cols, data, nil
}

func shapeField(header string) string {
	i := strings.Index(header, "'shape':")
	if i < 0 {
		return ""
	}
	rest := header[i+len("'shape':"):]
	start := strings.Index(rest, "(")
	end := strings.Index(rest, ")")
	if start < 0 || end < 0 || end < start {
		return ""
	}
	return rest[start : end+1]
}
