// Package app wires one room session together: store, broadcast node,
// chat, presence, call signaling and the local gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/duoroom/duoroom/internal/broadcast"
	"github.com/duoroom/duoroom/internal/call"
	"github.com/duoroom/duoroom/internal/chat"
	"github.com/duoroom/duoroom/internal/config"
	"github.com/duoroom/duoroom/internal/gateway"
	"github.com/duoroom/duoroom/internal/identity"
	"github.com/duoroom/duoroom/internal/media"
	"github.com/duoroom/duoroom/internal/presence"
	"github.com/duoroom/duoroom/internal/proto"
	"github.com/duoroom/duoroom/internal/roomcode"
	"github.com/duoroom/duoroom/internal/signal"
	"github.com/duoroom/duoroom/internal/store"
	"github.com/duoroom/duoroom/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
	Token   string
}

// Run joins the room named by the token and serves the session until ctx is
// cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	base, suffix, err := roomcode.Split(opt.Token)
	if err != nil {
		return err
	}

	logBanner(opt.PeerDir, opt.CfgPath, opt.Token)

	// ── Durable store
	dataDir := util.ResolvePath(opt.PeerDir, cfg.Paths.DataDir)
	db, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	localID, err := identity.LoadOrCreate(dataDir, base)
	if err != nil {
		return err
	}
	if _, err := db.CreateRoom(base); err != nil {
		return err
	}
	if err := db.PublishIdentity(base, string(suffix), localID); err != nil {
		return err
	}
	log.Printf("APP: identity %s (side %s of room %s)", localID, suffix, base)

	// ── Broadcast node + room topic
	keyPath := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)
	node, err := broadcast.NewNode(ctx, cfg.Broadcast.ListenPort, keyPath, cfg.Broadcast.Peers)
	if err != nil {
		return err
	}
	defer node.Close()
	log.Printf("APP: node %s", node.ID())
	for _, a := range node.Addrs() {
		log.Printf("APP:   listening %s", a)
	}

	room, err := node.JoinRoom(ctx, base)
	if err != nil {
		return err
	}
	defer room.Close()

	// ── Media + chat
	mediaBase := strings.TrimRight(cfg.Gateway.ExternalURL, "/")
	if mediaBase == "" {
		mediaBase = "http://" + cfg.Gateway.HTTPAddr
	}
	ms, err := media.NewStore(util.ResolvePath(opt.PeerDir, cfg.Paths.MediaDir), mediaBase)
	if err != nil {
		return err
	}
	chatMgr := chat.New(db, ms, room, base, localID, chat.DefaultBufferSize)
	defer chatMgr.Close()

	// ── Presence publisher (also how the partner discovers our identity)
	pres := presence.NewChannel(db, room, base, localID, presence.Options{
		Heartbeat:      cfg.Timers.Heartbeat(),
		TypingDebounce: cfg.Timers.TypingDebounce(),
		ReadInterval:   cfg.Timers.ReadInterval(),
		LatestMessage:  chatMgr.LatestPartnerMessage,
	})
	defer pres.Close()

	// ── Partner discovery
	partnerID, err := waitForPartner(ctx, db, room, base, string(roomcode.PartnerSuffix(suffix)), localID)
	if err != nil {
		return err
	}
	log.Printf("APP: partner %s", partnerID)
	chatMgr.System("Partner is here")
	// re-announce so a partner that joined after our initial publish
	// discovers us without waiting a heartbeat
	pres.SetOnline(true)

	// ── Partner view + calling
	recon := presence.NewReconciler(db, room, base, partnerID, cfg.Timers.StatusPoll())
	defer recon.Close()

	sigch := signal.New(db, room, localID)
	defer sigch.Close()

	peer := call.NewPionPeer(room, localID, cfg.Call.ICEServers)
	defer peer.Close()

	calls := call.NewHandshake(sigch, peer, call.Devices{}, base, localID, partnerID)
	defer calls.Close()

	// ── Gateway
	srv := gateway.New(cfg.Gateway.HTTPAddr, gateway.Deps{
		RoomBase:      base,
		Token:         opt.Token,
		Identity:      localID,
		Partner:       partnerID,
		Chat:          chatMgr,
		Presence:      pres,
		Reconciler:    recon,
		Calls:         calls,
		Media:         ms,
		VideoDisabled: cfg.Call.VideoDisabled,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	defer srv.Close()

	url := "http://" + cfg.Gateway.HTTPAddr
	log.Printf("APP: gateway ready at %s", url)
	if cfg.Gateway.OpenBrowser {
		if err := util.OpenURL(url); err != nil {
			log.Printf("APP: open browser: %v", err)
		}
	}

	select {
	case <-ctx.Done():
		log.Printf("APP: shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// waitForPartner resolves the partner's identity. A previous session may
// already hold it in the store; otherwise the first broadcast envelope from
// another identity reveals it (every peer publishes presence on join), and
// it is persisted for the next start.
func waitForPartner(ctx context.Context, db *store.DB, room *broadcast.Channel, base, partnerSuffix, localID string) (string, error) {
	if id, err := db.Identity(base, partnerSuffix); err == nil {
		return id, nil
	} else if !errors.Is(err, store.ErrPartnerUnknown) {
		return "", err
	}

	found := make(chan string, 1)
	cancel := room.Subscribe(func(env proto.Envelope, _ proto.Event) {
		id, err := util.ValidateIdentity(env.From)
		if err != nil || id == localID {
			return
		}
		select {
		case found <- id:
		default:
		}
	})
	defer cancel()

	log.Printf("APP: waiting for partner to join room %s", base)
	ticker := time.NewTicker(util.ShortTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case id := <-found:
			if err := db.PublishIdentity(base, partnerSuffix, id); err != nil {
				log.Printf("APP: persist partner identity: %v", err)
			}
			return id, nil
		case <-ticker.C:
			// another process sharing the store may have seen them first
			if id, err := db.Identity(base, partnerSuffix); err == nil {
				return id, nil
			}
		}
	}
}

func logBanner(peerDir, cfgPath, token string) {
	log.Println("────────────────────────────────────────────────────────")
	log.Printf("  duoroom peer")
	log.Printf("  dir:    %s", peerDir)
	log.Printf("  config: %s", cfgPath)
	log.Printf("  token:  %s", token)
	log.Println("────────────────────────────────────────────────────────")
}
