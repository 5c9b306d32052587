package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"meshlink/internal/config"
	"meshlink/internal/crypto"
	"meshlink/internal/daemon"
	"meshlink/internal/gossip"
	"meshlink/internal/logging"
	"meshlink/internal/metrics"
	"meshlink/internal/proto"
	"meshlink/internal/transport"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "meshlinkd", version)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshlinkd <run|id|version> [args]")
	fmt.Fprintln(w, "  run      --listen <ip:port> [--peer id@addr ...] [--nick name] [--gcs] [--metrics ip:port] [--secret s] [--debug]")
	fmt.Fprintln(w, "  id       generate a fresh peer id")
	fmt.Fprintln(w, "  version")
}

func runID(args []string, stdout, stderr io.Writer) int {
	var id proto.PeerID
	if _, err := rand.Read(id[:]); err != nil {
		fmt.Fprintf(stderr, "id: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, id.Hex())
	return 0
}

type peerList []string

func (p *peerList) String() string     { return strings.Join(*p, ",") }
func (p *peerList) Set(v string) error { *p = append(*p, v); return nil }

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	listen := fs.String("listen", "127.0.0.1:0", "quic listen address")
	nick := fs.String("nick", "anon", "announced nickname")
	idHex := fs.String("id", "", "peer id (hex, 8 bytes); random when empty")
	useGCS := fs.Bool("gcs", false, "announce a gcs filter instead of bloom")
	metricsAddr := fs.String("metrics", "", "metrics listen address (disabled when empty)")
	secret := fs.String("secret", "", "group secret enabling payload encryption")
	debug := fs.Bool("debug", false, "debug logging")
	var peers peerList
	fs.Var(&peers, "peer", "known peer as id@addr, repeatable")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	log, err := logging.New(*debug)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	var self proto.PeerID
	if *idHex != "" {
		self, err = proto.PeerIDFromHex(*idHex)
		if err != nil {
			fmt.Fprintf(stderr, "bad --id: %v\n", err)
			return 1
		}
	} else if _, err := rand.Read(self[:]); err != nil {
		fmt.Fprintf(stderr, "id: %v\n", err)
		return 1
	}

	var crypt crypto.Crypto = crypto.Identity{}
	if *secret != "" {
		crypt, err = crypto.NewXChaCha([]byte(*secret))
		if err != nil {
			fmt.Fprintf(stderr, "crypto: %v\n", err)
			return 1
		}
	}
	signer, err := crypto.NewSigner()
	if err != nil {
		fmt.Fprintf(stderr, "signer: %v\n", err)
		return 1
	}

	kind := gossip.UseBloom
	if *useGCS {
		kind = gossip.UseGCS
	}
	met := metrics.New()
	cfg := config.FromEnv()

	node := daemon.NewNode(self, cfg, daemon.Options{
		Crypto:     crypt,
		Signer:     signer,
		FilterKind: kind,
		Logger:     log,
		Metrics:    met,
		Deliver: func(pkt *proto.Packet, payload []byte) {
			switch pkt.Type {
			case proto.TypeMessage:
				fmt.Fprintf(stdout, "[%s] %s\n", pkt.SenderID.Hex(), string(payload))
			case proto.TypeAnnounce:
				fmt.Fprintf(stdout, "* %s is %q\n", pkt.SenderID.Hex(), string(payload))
			case proto.TypeLeave:
				fmt.Fprintf(stdout, "* %s left\n", pkt.SenderID.Hex())
			}
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	node.Start(ctx)

	link, err := transport.NewQUICLink(*listen, self)
	if err != nil {
		fmt.Fprintf(stderr, "listen: %v\n", err)
		return 1
	}
	node.AddLink("quic", link)
	for _, entry := range peers {
		id, addr, ok := strings.Cut(entry, "@")
		if !ok {
			fmt.Fprintf(stderr, "bad --peer %q, want id@addr\n", entry)
			return 1
		}
		peerID, err := proto.PeerIDFromHex(id)
		if err != nil {
			fmt.Fprintf(stderr, "bad --peer id: %v\n", err)
			return 1
		}
		link.AddPeer(peerID, addr)
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", met.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Warn("metrics listener failed", zap.Error(err))
			}
		}()
	}

	printBanner(stdout, self, link.Addr(), *nick)
	node.Announce(*nick)

	go readInput(ctx, node, stdout, stderr)

	<-ctx.Done()
	node.Shutdown()
	return 0
}

func printBanner(w io.Writer, self proto.PeerID, addr, nick string) {
	title := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.Faint)
	title.Fprintln(w, "meshlinkd "+version)
	dim.Fprintf(w, "  peer  %s\n", self.Hex())
	dim.Fprintf(w, "  addr  %s\n", addr)
	dim.Fprintf(w, "  nick  %s\n", nick)
}

// readInput broadcasts each stdin line as a mesh message.
func readInput(ctx context.Context, node *daemon.Node, stdout, stderr io.Writer) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := node.SendMessage([]byte(line)); err != nil {
			fmt.Fprintf(stderr, "send: %v\n", err)
			continue
		}
		fmt.Fprintf(stdout, "(sent %s)\n", time.Now().Format("15:04:05"))
	}
}
