package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coterie-chat/coterie/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor incididunt ut labore et dolore magna aliqua"

var loremWords = strings.Fields(loremIpsum)

// stats is shared by all simulated clients
type stats struct {
	sent     atomic.Uint64
	received atomic.Uint64
	errors   atomic.Uint64
}

func main() {
	addr := flag.String("addr", "localhost:7878", "Server address")
	clients := flag.Int("clients", 10, "Number of concurrent clients")
	rate := flag.Duration("rate", 2*time.Second, "Delay between messages per client")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	flag.Parse()

	log.Printf("Starting %d clients against %s for %v", *clients, *addr, *duration)

	var st stats
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := runClient(*addr, *rate, stop, &st); err != nil {
				st.errors.Add(1)
				log.Printf("client %d: %v", n, err)
			}
		}(i)
		// Stagger connects so the server's accept loop is not hammered at once
		time.Sleep(10 * time.Millisecond)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(*duration):
	case <-sigCh:
		log.Printf("Interrupted")
	}
	close(stop)
	wg.Wait()

	fmt.Printf("sent=%d received=%d errors=%d\n", st.sent.Load(), st.received.Load(), st.errors.Load())
}

// runClient connects one protocol-speaking client that chats until stop closes
func runClient(addr string, rate time.Duration, stop <-chan struct{}, st *stats) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Reader goroutine counts every event the server delivers
	go func() {
		for {
			if _, err := protocol.DecodeFrame(conn); err != nil {
				return
			}
			st.received.Add(1)
		}
	}()

	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			sendRequest(conn, protocol.TypeDisconnect, &protocol.DisconnectMessage{})
			return nil
		case <-ticker.C:
			msg := &protocol.SendMessageMessage{Content: randomSentence()}
			if err := sendRequest(conn, protocol.TypeSendMessage, msg); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			st.sent.Add(1)
		}
	}
}

func sendRequest(conn net.Conn, msgType uint8, msg interface{ Encode() ([]byte, error) }) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return protocol.EncodeFrame(conn, &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    msgType,
		Payload: payload,
	})
}

func randomSentence() string {
	n := 3 + rand.Intn(10)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}
