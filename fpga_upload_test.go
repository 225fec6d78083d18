package datasource

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSendConfigToFPGA(t *testing.T) {
	contents := []byte("switch matrix program bytes")
	path := filepath.Join(t.TempDir(), "config.cmdraw.nrk2")
	if err := os.WriteFile(path, contents, 0644); err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	res := sendConfigToFPGA(path, "127.0.0.1", port, time.Second)
	if !res.ok {
		t.Fatal("upload to a listening FPGA reported failure")
	}
	if res.file != path {
		t.Errorf("result names file %q, want %q", res.file, path)
	}
	select {
	case data := <-received:
		if string(data) != string(contents) {
			t.Errorf("FPGA received %q, want %q", data, contents)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("FPGA never received the file")
	}
}

func TestSendConfigToFPGAFailures(t *testing.T) {
	// Missing file.
	res := sendConfigToFPGA("/no/such/file.cmdraw.nrk2", "127.0.0.1", 1, time.Second)
	if res.ok {
		t.Error("upload of a missing file reported success")
	}

	// Nothing listening.
	path := filepath.Join(t.TempDir(), "config.cmdraw.nrk2")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	res = sendConfigToFPGA(path, "127.0.0.1", 1, 250*time.Millisecond)
	if res.ok {
		t.Error("upload with no FPGA listening reported success")
	}
}
