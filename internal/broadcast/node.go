// Package broadcast is the ephemeral, low-latency side of the room protocol:
// a GossipSub topic scoped to the room base. Delivery is at-most-once with no
// persistence or ordering guarantee; anything that must survive a missed
// publish also travels through the durable store.
package broadcast

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

const mdnsTag = "duoroom-mdns"

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Node owns the libp2p host and the GossipSub router. One node serves every
// room the process joins; rooms map to topics.
type Node struct {
	host host.Host
	ps   *pubsub.PubSub
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk, or generates a
// new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, nil
		}
		log.Printf("BCAST: corrupt node key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal node key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}

// NewNode starts the libp2p host with mDNS LAN discovery and GossipSub.
// staticPeers are multiaddrs (with /p2p/ component) dialed eagerly for rooms
// whose parties are not on the same LAN.
func NewNode(ctx context.Context, listenPort int, keyFile string, staticPeers []string) (*Node, error) {
	priv, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{host: h, ps: ps}
	n.connectStatic(ctx, staticPeers)

	log.Printf("BCAST: node up, peer id %s", h.ID())
	return n, nil
}

// connectStatic dials the configured peer multiaddrs. Failures are logged,
// not fatal: mDNS or a later retry by the caller may still find the partner.
func (n *Node) connectStatic(ctx context.Context, addrs []string) {
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Printf("BCAST: invalid peer addr %q: %v", s, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(a)
		if err != nil {
			log.Printf("BCAST: peer addr %q has no /p2p component: %v", s, err)
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := n.host.Connect(dialCtx, *pi); err != nil {
			log.Printf("BCAST: connect %s: %v", pi.ID, err)
		}
		cancel()
	}
}

// ID returns the libp2p peer id of this node.
func (n *Node) ID() string {
	return n.host.ID().String()
}

// Addrs returns the host's current listen multiaddrs, including the peer id,
// suitable for another party's static-peer config.
func (n *Node) Addrs() []string {
	var out []string
	pid := n.host.ID()
	for _, a := range n.host.Addrs() {
		full := a.Encapsulate(ma.StringCast("/p2p/" + pid.String()))
		out = append(out, full.String())
	}
	return out
}

// Close shuts the host down.
func (n *Node) Close() error {
	return n.host.Close()
}
