// Command wireguard runs a single tunnel: a TUN device on one side, a
// UDP socket on the other, and the device core in between.
//
// Configuration is consumed as a JSON document (keys in standard
// base64), e.g.:
//
//	{
//	  "private_key": "...",
//	  "listen_port": 51820,
//	  "peers": [
//	    {
//	      "public_key": "...",
//	      "allowed_ips": ["10.0.0.2/32"],
//	      "endpoint": "203.0.113.5:51820",
//	      "persistent_keepalive": 25
//	    }
//	  ]
//	}
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/libfire/wireguard/device"
	"github.com/libfire/wireguard/tun"
)

type peerJSON struct {
	PublicKey           string   `json:"public_key"`
	PresharedKey        string   `json:"preshared_key,omitempty"`
	AllowedIPs          []string `json:"allowed_ips"`
	Endpoint            string   `json:"endpoint,omitempty"`
	PersistentKeepalive uint16   `json:"persistent_keepalive,omitempty"`
}

type configJSON struct {
	PrivateKey string     `json:"private_key"`
	ListenPort uint16     `json:"listen_port"`
	Peers      []peerJSON `json:"peers"`
}

func loadConfig(path string) (device.Config, uint16, error) {
	var cfg device.Config

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, 0, err
	}
	var parsed configJSON
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return cfg, 0, fmt.Errorf("parse config: %w", err)
	}

	cfg.PrivateKey, err = device.ParsePrivateKey(parsed.PrivateKey)
	if err != nil {
		return cfg, 0, fmt.Errorf("private key: %w", err)
	}

	for _, pj := range parsed.Peers {
		var pc device.PeerConfig
		pc.PublicKey, err = device.ParsePublicKey(pj.PublicKey)
		if err != nil {
			return cfg, 0, fmt.Errorf("peer public key: %w", err)
		}
		if pj.PresharedKey != "" {
			pc.PresharedKey, err = device.ParsePresharedKey(pj.PresharedKey)
			if err != nil {
				return cfg, 0, fmt.Errorf("peer preshared key: %w", err)
			}
		}
		for _, s := range pj.AllowedIPs {
			prefix, err := netip.ParsePrefix(s)
			if err != nil {
				return cfg, 0, fmt.Errorf("allowed ip %q: %w", s, err)
			}
			pc.AllowedIPs = append(pc.AllowedIPs, prefix)
		}
		if pj.Endpoint != "" {
			pc.Endpoint, err = netip.ParseAddrPort(pj.Endpoint)
			if err != nil {
				return cfg, 0, fmt.Errorf("endpoint %q: %w", pj.Endpoint, err)
			}
		}
		pc.PersistentKeepalive = pj.PersistentKeepalive
		cfg.Peers = append(cfg.Peers, pc)
	}
	return cfg, parsed.ListenPort, nil
}

// udpBind satisfies the device's transport contract over one UDP
// socket.
type udpBind struct {
	conn *net.UDPConn
}

func (b *udpBind) Send(buf []byte, endpoint netip.AddrPort) error {
	_, err := b.conn.WriteToUDPAddrPort(buf, endpoint)
	return err
}

func run() error {
	configPath := flag.String("config", "wireguard.json", "path to JSON configuration")
	verbose := flag.Bool("verbose", false, "verbose logging")
	flag.Parse()

	cfg, listenPort, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	tunDev, err := tun.New(device.DefaultMTU)
	if err != nil {
		return fmt.Errorf("create tun device: %w", err)
	}
	defer tunDev.Close()
	log.Printf("TUN device: %s", tunDev.Name())

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(listenPort)})
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer conn.Close()
	log.Printf("Listening on %s", conn.LocalAddr())

	logLevel := device.LogLevelError
	if *verbose {
		logLevel = device.LogLevelVerbose
	}
	dev := device.NewDevice(tunDev, &udpBind{conn: conn}, device.NewLogger(logLevel, "wireguard: "))
	defer dev.Close()

	if err := dev.Configure(cfg); err != nil {
		return err
	}
	if err := dev.Up(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		buf := make([]byte, device.MaxMessageSize)
		for {
			n, addr, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return err
			}
			dev.ReceiveDatagram(buf[:n], addr)
		}
	})

	group.Go(dev.RoutineReadFromInterface)

	group.Go(func() error {
		<-ctx.Done()
		// Unblock the reader goroutines.
		conn.Close()
		tunDev.Close()
		return ctx.Err()
	})

	err = group.Wait()
	if ctx.Err() != nil {
		return nil // clean shutdown on signal
	}
	return err
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
