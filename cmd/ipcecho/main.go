// ipcecho is the echo-peer demo: two processes dial each other's listener
// (or one dials the other), and every WaitResponse message is answered with
// its body echoed back.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"time"

	"github.com/solidframe/solidipc/conn"
	"github.com/solidframe/solidipc/message"
	"github.com/solidframe/solidipc/protocol"
	"github.com/solidframe/solidipc/reader"
	"github.com/solidframe/solidipc/service"
)

type echoMsg struct {
	message.BaseMessage
	Body string
}

// ErrorNotifier is implemented by any message type that can report a
// failure reason, so the inbound handler can react to it without a type
// switch naming every such type.
type ErrorNotifier interface {
	ErrorText() string
}

// nakMsg is the second demo message type: registered under its own type-id
// with protocol.UgorjiCodec (MessagePack) rather than echoMsg's CBOR codec,
// proving the registry's serialize/deserialize hooks are codec-agnostic,
// and cast-registered as an ErrorNotifier so the inbound handler can detect
// it polymorphically via protocol.Cast.
type nakMsg struct {
	message.BaseMessage
	Reason string
}

func (n *nakMsg) ErrorText() string { return n.Reason }

func newRegistry() *protocol.Registry {
	reg := protocol.New()
	if err := reg.Register(1, "echo", func() message.Message { return &echoMsg{} }, protocol.CBORCodec{}, nil); err != nil {
		log.Fatalf("register: %v", err)
	}
	if err := reg.Register(2, "nak", func() message.Message { return &nakMsg{} }, protocol.UgorjiCodec{}, nil); err != nil {
		log.Fatalf("register: %v", err)
	}
	protocol.RegisterCast[*nakMsg, ErrorNotifier](reg, func(n *nakMsg) (ErrorNotifier, bool) { return n, true })
	reg.Freeze()
	return reg
}

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:4000", "address to accept connections on")
	dialAddr := flag.String("dial", "", "peer address to dial after listening; empty means listen-only")
	poolName := flag.String("pool", "peer", "pool name the dialed connection is registered under")
	secure := flag.Bool("secure", false, "wrap both listener and dial socket in a self-signed TLS handshake")
	flag.Parse()

	reg := newRegistry()
	cfg := service.DefaultConfig()

	srv := service.New(reg, cfg, func(name string, c *conn.Connection, d reader.Delivered) {
		// protocol.Cast lets this handler react to any message implementing
		// ErrorNotifier without a type switch naming every such type; today
		// only *nakMsg casts, but a second ErrorNotifier type registered
		// later needs no change here.
		if notifier, ok := protocol.Cast[ErrorNotifier](reg, d.Value); ok {
			log.Printf("recv nak from %s: %s", name, notifier.ErrorText())
			return
		}

		body := d.Value.(*echoMsg).Body
		log.Printf("recv from %s: %q", name, body)
		if !d.WaitResponse {
			return
		}
		if _, err := c.SendMessage(message.Bundle{
			TypeID:          1,
			Value:           &echoMsg{Body: "echo:" + body},
			WireCorrelation: d.Correlation,
		}); err != nil {
			log.Printf("reply send failed: %v", err)
		}
	})

	if *secure {
		tlsCfg := selfSignedServerConfig()
		if err := srv.ListenSecure(*listenAddr, "inbound", 0, tlsCfg); err != nil {
			log.Fatalf("listen secure: %v", err)
		}
	} else {
		if err := srv.Listen(*listenAddr, "inbound", 0); err != nil {
			log.Fatalf("listen: %v", err)
		}
	}
	log.Printf("listening on %s", *listenAddr)

	if *dialAddr != "" {
		var err error
		if *secure {
			_, err = srv.DialSecure(*poolName, *dialAddr, &tls.Config{InsecureSkipVerify: true})
		} else {
			_, err = srv.Dial(*poolName, *dialAddr)
		}
		if err != nil {
			log.Fatalf("dial %s: %v", *dialAddr, err)
		}
		log.Printf("dialed %s into pool %q", *dialAddr, *poolName)

		respCh := make(chan string, 1)
		_, err = srv.SendRequest(*poolName, message.Bundle{
			TypeID: 1,
			Value:  &echoMsg{Body: "hello from " + *listenAddr},
		}, func(sent message.Message, resp message.Message, derr error) {
			if derr != nil {
				respCh <- fmt.Sprintf("request failed: %v", derr)
				return
			}
			respCh <- resp.(*echoMsg).Body
		})
		if err != nil {
			log.Fatalf("send request: %v", err)
		}
		select {
		case body := <-respCh:
			log.Printf("got response: %s", body)
		case <-time.After(5 * time.Second):
			log.Printf("timed out waiting for response")
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop
	if err := srv.Close(); err != nil {
		log.Printf("close: %v", err)
	}
}

// selfSignedServerConfig builds an in-memory self-signed certificate for
// the -secure demo; production deployments supply their own secure_context
// instead of generating one at startup.
func selfSignedServerConfig() *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ipcecho"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		log.Fatalf("create certificate: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		log.Fatalf("build key pair: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}
