// Command peerjs-echo-peer-go is an end-to-end harness: a PeerJS peer that
// registers with the signaling server, answers every incoming data
// connection and echoes whatever the remote sends on its DataChannels.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/protocol"
)

const heartbeatInterval = 5 * time.Second

type offerPayload struct {
	SDP          webrtc.SessionDescription `json:"sdp"`
	Type         string                    `json:"type"`
	ConnectionID string                    `json:"connectionId"`
}

type answerPayload struct {
	SDP          webrtc.SessionDescription `json:"sdp"`
	Type         string                    `json:"type"`
	ConnectionID string                    `json:"connectionId"`
	Browser      string                    `json:"browser"`
}

type candidatePayload struct {
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
	Type         string                  `json:"type"`
	ConnectionID string                  `json:"connectionId"`
}

type peer struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu    sync.Mutex
	conns map[string]*webrtc.PeerConnection // by connectionId
	owner map[string][]string               // remote peer id -> connectionIds
}

func main() {
	signalURL := envOrDefault("SIGNAL_URL", "ws://127.0.0.1:9000/peerjs")
	q := url.Values{}
	q.Set("id", envOrDefault("PEER_ID", "go-echo"))
	q.Set("token", envOrDefault("PEER_TOKEN", "e2e"))
	q.Set("key", envOrDefault("PEER_KEY", "peerjs"))

	ws, _, err := websocket.DefaultDialer.Dial(signalURL+"?"+q.Encode(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", signalURL, err)
		os.Exit(1)
	}
	defer ws.Close()

	p := &peer{
		ws:    ws,
		conns: make(map[string]*webrtc.PeerConnection),
		owner: make(map[string][]string),
	}
	defer p.closeAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go p.heartbeat(ctx)
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "signaling read: %v\n", err)
				os.Exit(1)
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "decode: %v\n", err)
			continue
		}
		p.handle(msg)
	}
}

func (p *peer) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypeOpen:
		fmt.Println("READY")
	case protocol.MessageTypeIDTaken, protocol.MessageTypeError:
		text, _ := msg.PayloadText()
		fmt.Fprintf(os.Stderr, "%s: %s\n", msg.Type, text)
		os.Exit(2)
	case protocol.MessageTypeOffer:
		var offer offerPayload
		if err := json.Unmarshal(msg.Payload, &offer); err != nil {
			fmt.Fprintf(os.Stderr, "offer payload: %v\n", err)
			return
		}
		if err := p.answer(msg.Source, offer); err != nil {
			fmt.Fprintf(os.Stderr, "answer %s: %v\n", offer.ConnectionID, err)
		}
	case protocol.MessageTypeCandidate:
		var cand candidatePayload
		if err := json.Unmarshal(msg.Payload, &cand); err != nil {
			return
		}
		p.mu.Lock()
		pc := p.conns[cand.ConnectionID]
		p.mu.Unlock()
		if pc != nil {
			_ = pc.AddICECandidate(cand.Candidate)
		}
	case protocol.MessageTypeLeave, protocol.MessageTypeExpire:
		p.closeRemote(msg.Source)
	}
}

func (p *peer) answer(remote string, offer offerPayload) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return err
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			if m.IsString {
				_ = dc.SendText(string(m.Data))
				return
			}
			_ = dc.Send(m.Data)
		})
	})

	p.mu.Lock()
	p.conns[offer.ConnectionID] = pc
	p.owner[remote] = append(p.owner[remote], offer.ConnectionID)
	p.mu.Unlock()

	if err := pc.SetRemoteDescription(offer.SDP); err != nil {
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	// Non-trickle: the answer carries every local candidate.
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}
	<-gatherComplete

	local := pc.LocalDescription()
	if local == nil {
		return fmt.Errorf("no local description")
	}
	payload, err := json.Marshal(answerPayload{
		SDP:          *local,
		Type:         offer.Type,
		ConnectionID: offer.ConnectionID,
		Browser:      "pion",
	})
	if err != nil {
		return err
	}
	return p.send(protocol.Message{Type: protocol.MessageTypeAnswer, Destination: remote, Payload: payload})
}

func (p *peer) closeRemote(remote string) {
	p.mu.Lock()
	ids := p.owner[remote]
	delete(p.owner, remote)
	var pcs []*webrtc.PeerConnection
	for _, id := range ids {
		if pc := p.conns[id]; pc != nil {
			pcs = append(pcs, pc)
			delete(p.conns, id)
		}
	}
	p.mu.Unlock()

	for _, pc := range pcs {
		_ = pc.Close()
	}
}

func (p *peer) closeAll() {
	p.mu.Lock()
	remotes := make([]string, 0, len(p.owner))
	for remote := range p.owner {
		remotes = append(remotes, remote)
	}
	p.mu.Unlock()
	for _, remote := range remotes {
		p.closeRemote(remote)
	}
}

func (p *peer) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.send(protocol.New(protocol.MessageTypeHeartbeat)); err != nil {
				return
			}
		}
	}
}

func (p *peer) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(time.Second))
	return p.ws.WriteMessage(websocket.TextMessage, data)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
