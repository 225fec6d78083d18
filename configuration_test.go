package datasource

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestElectrodeWireRoundTrip(t *testing.T) {
	electrodes := []Electrode{
		{Index: 0, Xpos: 0, X: 0, Ypos: 0, Y: 0, Label: 'A'},
		{Index: 7, Xpos: 175, X: 8, Ypos: 315, Y: 17, Label: 'B'},
		{Index: 11011, Xpos: 4294967295, X: 65535, Ypos: 4294967295, Y: 65535, Label: 255},
	}
	for _, el := range electrodes {
		buf := el.appendWire(nil)
		if len(buf) != electrodeWireSize {
			t.Errorf("encoded electrode %d is %d bytes, want %d", el.Index, len(buf), electrodeWireSize)
		}
		var out Electrode
		if err := out.parseWire(buf); err != nil {
			t.Errorf("parseWire of electrode %d: %s", el.Index, err)
		}
		if out != el {
			t.Errorf("wire round trip changed electrode: have %v, want %v", out, el)
		}
	}

	var el Electrode
	if err := el.parseWire(make([]byte, electrodeWireSize-1)); err == nil {
		t.Errorf("parseWire accepted a %d-byte buffer", electrodeWireSize-1)
	}
}

func TestElectrodeJSON(t *testing.T) {
	el := Electrode{Index: 42, Xpos: 175, X: 8, Ypos: 315, Y: 17, Label: 'C'}
	data, err := json.Marshal(el)
	if err != nil {
		t.Fatalf("marshal: %s", err)
	}
	want := "[42,175,8,315,17,67]"
	if string(data) != want {
		t.Errorf("marshaled electrode is %s, want %s", data, want)
	}
	var out Electrode
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if out != el {
		t.Errorf("JSON round trip changed electrode: have %v, want %v", out, el)
	}
}

func TestConfigurationContainsAndDedup(t *testing.T) {
	c := Configuration{
		{Index: 1}, {Index: 5}, {Index: 1}, {Index: 9},
	}
	for _, idx := range []uint32{1, 5, 9} {
		if !c.Contains(idx) {
			t.Errorf("Contains(%d) is false, want true", idx)
		}
	}
	if c.Contains(2) {
		t.Error("Contains(2) is true, want false")
	}
	d := c.Dedup()
	if len(d) != 3 {
		t.Errorf("Dedup kept %d electrodes, want 3", len(d))
	}
	if d[0].Index != 1 || d[1].Index != 5 || d[2].Index != 9 {
		t.Errorf("Dedup order is %v, want indices 1, 5, 9", d)
	}
}

func TestLoadElectrodeTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "electrodes.txt")
	contents := `# index xpos ypos x y label
7 175 315 8 17 A

11 192 315 9 17 B
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	table, err := LoadElectrodeTable(path)
	if err != nil {
		t.Fatalf("LoadElectrodeTable: %s", err)
	}
	if len(table) != 2 {
		t.Fatalf("table has %d entries, want 2", len(table))
	}
	want := ElectrodePosition{Xpos: 175, Ypos: 315, X: 8, Y: 17, Label: 'A'}
	if table[7] != want {
		t.Errorf("table[7] = %v, want %v", table[7], want)
	}

	if _, err := LoadElectrodeTable(filepath.Join(dir, "no-such-file")); err == nil {
		t.Error("loading a missing table did not fail")
	} else if _, ok := err.(*ResourceMissingError); !ok {
		t.Errorf("missing table error has type %T, want *ResourceMissingError", err)
	}

	bad := filepath.Join(dir, "bad.txt")
	os.WriteFile(bad, []byte("7 175 315 8\n"), 0644)
	if _, err := LoadElectrodeTable(bad); err == nil {
		t.Error("loading a malformed table did not fail")
	}
}
