// Command probe is a one-shot diagnostic for PI30 serial links. It tries a
// set of baud rates against one port, issues a few basic queries and prints
// the raw responses, which is usually enough to tell a wiring problem from a
// protocol problem.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/resident-x/go-pi30/internal/protocol"
	"github.com/resident-x/go-pi30/internal/transport"
)

var probeCommands = []string{"QPI", "QID", "QMOD", "QPIGS"}

func main() {
	os.Exit(run())
}

func run() int {
	port := flag.String("port", "/dev/ttyUSB0", "Serial device to probe")
	timeout := flag.Duration("timeout", 3*time.Second, "Per-query read timeout")
	flag.Parse()

	path := transport.PreferStablePath(*port)
	fmt.Printf("Probing %s\n", path)

	found := false
	for _, baud := range []int{2400, 9600, 19200} {
		fmt.Printf("\n--- baud %d ---\n", baud)
		if probeBaud(path, baud, *timeout) {
			found = true
			break
		}
	}

	if !found {
		fmt.Println("\nNo valid responses. Check wiring, port path and inverter power.")
		return 1
	}
	return 0
}

// probeBaud issues each probe command once and reports whether any response
// decoded as a valid frame.
func probeBaud(path string, baud int, timeout time.Duration) bool {
	port := transport.NewPort(path, baud)
	if err := port.Open(); err != nil {
		fmt.Printf("open failed: %v\n", err)
		return false
	}
	defer port.Close()

	if err := port.SetControlLines(true, true); err != nil {
		fmt.Printf("control lines: %v\n", err)
	}

	anyValid := false
	for _, cmd := range probeCommands {
		frame := protocol.EncodeCommand(cmd)
		fmt.Printf("%-6s -> % x\n", cmd, frame)

		if _, err := port.Write(frame); err != nil {
			fmt.Printf("%-6s write failed: %v\n", cmd, err)
			return anyValid
		}

		raw, err := port.ReadUntil(protocol.FrameEnd, timeout)
		if err != nil {
			fmt.Printf("%-6s <- no response: %v\n", cmd, err)
			continue
		}

		fmt.Printf("%-6s <- %q\n", cmd, raw)
		tokens, err := protocol.DecodeFrame(raw)
		if err != nil {
			fmt.Printf("%-6s    invalid frame: %v\n", cmd, err)
			continue
		}
		fmt.Printf("%-6s    %d token(s): %v\n", cmd, len(tokens), tokens)
		anyValid = true
	}
	return anyValid
}
