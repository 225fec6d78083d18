package datasource

import (
	"net"
	"os"
	"strconv"
	"time"
)

// sendConfigToFPGA pushes one chip configuration file to the FPGA that
// programs the array's switch matrix. The FPGA speaks no protocol: connect,
// write the raw file, disconnect. It runs outside the source's lock and
// reports exactly one result; the caller folds that back into the source's
// serialized request handling.
func sendConfigToFPGA(file, addr string, port int, timeout time.Duration) uploadResult {
	res := uploadResult{file: file}

	data, err := os.ReadFile(file)
	if err != nil {
		ProblemLogger.Printf("could not read configuration file %q: %v", file, err)
		return res
	}

	hostport := net.JoinHostPort(addr, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", hostport, timeout)
	if err != nil {
		ProblemLogger.Printf("could not connect to FPGA at %s: %v", hostport, err)
		return res
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(data); err != nil {
		ProblemLogger.Printf("error sending configuration to FPGA: %v", err)
		return res
	}

	// The FPGA acknowledges nothing. Closing cleanly within the deadline is
	// the only success signal available.
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	res.ok = true
	return res
}
