// ipcgateway accepts connections on one pool and forwards every completed
// message on to a second, upstream-named recipient, demonstrating that a
// single service.Service can be both the server of an inbound pool and the
// client of an outbound one.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/solidframe/solidipc/conn"
	"github.com/solidframe/solidipc/message"
	"github.com/solidframe/solidipc/protocol"
	"github.com/solidframe/solidipc/reader"
	"github.com/solidframe/solidipc/service"
)

type relayMsg struct {
	message.BaseMessage
	Body string
}

func newRegistry() *protocol.Registry {
	reg := protocol.New()
	if err := reg.Register(1, "relay", func() message.Message { return &relayMsg{} }, protocol.CBORCodec{}, nil); err != nil {
		log.Fatalf("register: %v", err)
	}
	reg.Freeze()
	return reg
}

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:4100", "address downstream clients connect to")
	upstreamAddr := flag.String("upstream", "127.0.0.1:4000", "address this gateway forwards to")
	flag.Parse()

	reg := newRegistry()
	cfg := service.DefaultConfig()

	const inboundPool = "downstream"
	const upstreamPool = "upstream"

	var gw *service.Service
	gw = service.New(reg, cfg, func(name string, c *conn.Connection, d reader.Delivered) {
		if name != inboundPool {
			return
		}
		body := d.Value.(*relayMsg).Body
		log.Printf("forwarding %q to upstream", body)

		fwd := message.Bundle{TypeID: 1, Value: &relayMsg{Body: body}}
		if d.WaitResponse {
			correlation := d.Correlation
			downstream := c
			_, err := gw.SendRequest(upstreamPool, fwd, func(sent message.Message, resp message.Message, derr error) {
				reply := &relayMsg{Body: "gateway-error"}
				if derr == nil {
					reply = &relayMsg{Body: resp.(*relayMsg).Body}
				}
				if _, err := downstream.SendMessage(message.Bundle{
					TypeID:          1,
					Value:           reply,
					WireCorrelation: correlation,
				}); err != nil {
					log.Printf("relay reply failed: %v", err)
				}
			})
			if err != nil {
				log.Printf("forward failed: %v", err)
			}
			return
		}
		if _, err := gw.SendMessage(upstreamPool, fwd); err != nil {
			log.Printf("forward failed: %v", err)
		}
	})

	if _, err := gw.Dial(upstreamPool, *upstreamAddr); err != nil {
		log.Fatalf("dial upstream %s: %v", *upstreamAddr, err)
	}
	if err := gw.Listen(*listenAddr, inboundPool, 0); err != nil {
		log.Fatalf("listen %s: %v", *listenAddr, err)
	}
	log.Printf("gateway listening on %s, forwarding to %s", *listenAddr, *upstreamAddr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop
	if err := gw.Close(); err != nil {
		log.Printf("close: %v", err)
	}
}
