// Command webget issues a single HTTP/1.0 GET over a plain TCP
// connection and streams the response to stdout. It is an external
// collaborator of the in-process stack built under internal/, not a
// consumer of it: it dials the real OS network stack.
package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s HOST PATH\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\tExample: %s stanford.edu /class/cs144\n", os.Args[0])
		os.Exit(1)
	}

	host, path := os.Args[1], os.Args[2]
	if err := getURL(host, path, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// getURL connects to host:80, issues an HTTP/1.0 GET for path with a
// Connection: close header, and copies the response verbatim to out.
func getURL(host, path string, out io.Writer) error {
	return getURLAddr(net.JoinHostPort(host, "http"), host, path, out)
}

// getURLAddr is getURL with the dial address and the Host header value
// split apart, so tests can point it at a loopback listener on an
// arbitrary port while still sending a realistic Host header.
func getURLAddr(addr, host, path string, out io.Writer) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("webget: connect to %s: %w", addr, err)
	}
	defer conn.Close()

	req := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: %s\r\nConnection: close\r\n\r\n", path, host)
	if _, err := io.WriteString(conn, req); err != nil {
		return fmt.Errorf("webget: write request: %w", err)
	}

	if _, err := io.Copy(out, bufio.NewReader(conn)); err != nil {
		return fmt.Errorf("webget: read response: %w", err)
	}
	return nil
}
