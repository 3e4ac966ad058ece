// Command client is a minimal terminal client for the GoRelay chat
// protocol. It authenticates, prints every relayed line to stdout, and
// sends each stdin line as a chat message.
package main

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:9700", "server address")
	user := flag.String("user", "", "username")
	pass := flag.String("pass", "", "password")
	useTLS := flag.Bool("tls", false, "connect over TLS")
	insecure := flag.Bool("insecure", false, "skip TLS certificate verification (self-signed servers)")
	flag.Parse()

	if *user == "" || *pass == "" {
		fmt.Fprintln(os.Stderr, "usage: client -addr host:port -user name -pass secret")
		os.Exit(2)
	}

	var conn net.Conn
	var err error
	if *useTLS {
		conn, err = tls.Dial("tcp", *addr, &tls.Config{
			InsecureSkipVerify: *insecure, //nolint:gosec // explicit opt-in for self-signed certs
			MinVersion:         tls.VersionTLS13,
		})
	} else {
		conn, err = net.Dial("tcp", *addr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	// First frame: credentials.
	creds, err := json.Marshal(protocol.AuthPayload{Username: *user, Password: *pass})
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode credentials: %v\n", err)
		os.Exit(1)
	}
	if err := protocol.WriteFrame(conn, creds); err != nil {
		fmt.Fprintf(os.Stderr, "send credentials: %v\n", err)
		os.Exit(1)
	}

	// Print everything the server relays until the connection drops.
	done := make(chan struct{})
	go func() {
		defer close(done)
		br := bufio.NewReader(conn)
		for {
			payload, err := protocol.ReadFrame(br)
			if err != nil {
				return
			}
			fmt.Println(string(payload))
		}
	}()

	// Each stdin line becomes one chat frame.
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxFrameSize)
	for scanner.Scan() {
		if err := protocol.WriteFrame(conn, scanner.Bytes()); err != nil {
			break
		}
	}
	_ = conn.Close()
	<-done
}
