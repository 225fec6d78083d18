package datasource

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Electrode is a single recording site on a HiDens chip. Two electrodes are
// the same electrode iff their Index fields are equal; the remaining fields
// are the physical position and wiring label looked up from the electrode
// table.
type Electrode struct {
	Index uint32 // index number of the electrode on the chip
	Xpos  uint32 // x-position on the chip, in microns
	X     uint16 // x-index on the chip
	Ypos  uint32 // y-position on the chip, in microns
	Y     uint16 // y-index on the chip
	Label byte   // wiring label used by the HiDens system
}

// electrodeWireSize is the fixed width of one encoded electrode record:
// the concatenation of its fields in declaration order.
const electrodeWireSize = 4 + 4 + 2 + 4 + 2 + 1

// MarshalJSON encodes an electrode as the 6-element array
// [index, xpos, x, ypos, y, label].
func (el Electrode) MarshalJSON() ([]byte, error) {
	return json.Marshal([]int64{
		int64(el.Index), int64(el.Xpos), int64(el.X),
		int64(el.Ypos), int64(el.Y), int64(el.Label),
	})
}

// UnmarshalJSON decodes the array form produced by MarshalJSON.
func (el *Electrode) UnmarshalJSON(data []byte) error {
	var v [6]int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	el.Index = uint32(v[0])
	el.Xpos = uint32(v[1])
	el.X = uint16(v[2])
	el.Ypos = uint32(v[3])
	el.Y = uint16(v[4])
	el.Label = byte(v[5])
	return nil
}

// appendWire appends the fixed binary form of the electrode to buf.
func (el Electrode) appendWire(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, el.Index)
	buf = binary.LittleEndian.AppendUint32(buf, el.Xpos)
	buf = binary.LittleEndian.AppendUint16(buf, el.X)
	buf = binary.LittleEndian.AppendUint32(buf, el.Ypos)
	buf = binary.LittleEndian.AppendUint16(buf, el.Y)
	return append(buf, el.Label)
}

// parseWire decodes one fixed-width electrode record.
func (el *Electrode) parseWire(buf []byte) error {
	if len(buf) < electrodeWireSize {
		return fmt.Errorf("electrode record needs %d bytes, have %d", electrodeWireSize, len(buf))
	}
	el.Index = binary.LittleEndian.Uint32(buf[0:4])
	el.Xpos = binary.LittleEndian.Uint32(buf[4:8])
	el.X = binary.LittleEndian.Uint16(buf[8:10])
	el.Ypos = binary.LittleEndian.Uint32(buf[10:14])
	el.Y = binary.LittleEndian.Uint16(buf[14:16])
	el.Label = buf[16]
	return nil
}

// Configuration is the ordered set of electrodes currently connected to
// readable channels. Insertion order is the physical channel order reported
// by the server. A valid configuration never contains two electrodes with
// the same Index.
type Configuration []Electrode

// Contains reports whether the configuration holds an electrode with the
// given index.
func (c Configuration) Contains(index uint32) bool {
	for _, el := range c {
		if el.Index == index {
			return true
		}
	}
	return false
}

// Dedup returns a copy of the configuration with duplicate electrode
// indices removed, keeping the first occurrence of each.
func (c Configuration) Dedup() Configuration {
	out := make(Configuration, 0, len(c))
	for _, el := range c {
		if !out.Contains(el.Index) {
			out = append(out, el)
		}
	}
	return out
}

// ElectrodePosition holds the physical position and wiring label of one
// electrode, as listed in the external electrode table.
type ElectrodePosition struct {
	Xpos  uint32
	X     uint16
	Ypos  uint32
	Y     uint16
	Label byte
}

// ElectrodeTable maps an electrode index to its physical position. The
// table is read-only after loading and may be shared across sources.
type ElectrodeTable map[uint32]ElectrodePosition

// LoadElectrodeTable reads an electrode position table from a text file.
// Each non-blank line holds whitespace-separated fields:
//
//	index xpos ypos x y label
//
// A missing file is a ResourceMissingError; a malformed line is a plain
// parse error naming the line.
func LoadElectrodeTable(path string) (ElectrodeTable, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ResourceMissingError{Resource: path}
		}
		return nil, err
	}
	defer f.Close()

	table := make(ElectrodeTable)
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 6 {
			return nil, fmt.Errorf("%s:%d: want 6 fields, have %d", path, lineno, len(fields))
		}
		var vals [5]uint64
		for i := 0; i < 5; i++ {
			v, err := strconv.ParseUint(fields[i], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: field %d: %s", path, lineno, i+1, err)
			}
			vals[i] = v
		}
		table[uint32(vals[0])] = ElectrodePosition{
			Xpos:  uint32(vals[1]),
			Ypos:  uint32(vals[2]),
			X:     uint16(vals[3]),
			Y:     uint16(vals[4]),
			Label: fields[5][0],
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return table, nil
}
