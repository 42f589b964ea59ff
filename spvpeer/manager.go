// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spvpeer

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"
)

const (
	// banDuration is how long a misbehaving peer address is skipped when
	// selecting connection candidates.
	banDuration = 24 * time.Hour

	// maxDNSAddrs caps the number of addresses taken from each DNS seed.
	maxDNSAddrs = 16
)

// ManagerConfig is the peer manager configuration.
type ManagerConfig struct {
	// PeerConfig is the configuration applied to every created peer.
	PeerConfig Config

	// ConnectPeers is an optional list of host:port addresses.  When
	// non-empty, only these peers are used and DNS seeding is skipped.
	ConnectPeers []string

	// LookupIP resolves host names for DNS seeding.  May be nil, in
	// which case net.LookupIP is used.  Tests use this to inject fixed
	// addresses.
	LookupIP func(host string) ([]net.IP, error)
}

// Manager tracks connection candidates and hands out connected, handshaked
// peers, cycling to the next candidate when one fails.
type Manager struct {
	cfg ManagerConfig

	mtx        sync.Mutex
	candidates []string
	nextIdx    int
	banned     map[string]time.Time
}

// NewManager returns a peer manager for the given configuration.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.LookupIP == nil {
		cfg.LookupIP = net.LookupIP
	}
	return &Manager{
		cfg:    cfg,
		banned: make(map[string]time.Time),
	}
}

// seedCandidates fills the candidate list from the configured peers, or
// from the network's DNS seeds when no peers are configured.  Must be
// called with the mutex held.
func (m *Manager) seedCandidates() {
	if len(m.cfg.ConnectPeers) > 0 {
		m.candidates = append([]string(nil), m.cfg.ConnectPeers...)
		return
	}

	params := m.cfg.PeerConfig.ChainParams
	var addrs []string
	for _, seed := range params.DNSSeeds {
		ips, err := m.cfg.LookupIP(seed)
		if err != nil {
			log.Debugf("DNS seed %s lookup failed: %v", seed, err)
			continue
		}
		if len(ips) > maxDNSAddrs {
			ips = ips[:maxDNSAddrs]
		}
		for _, ip := range ips {
			addrs = append(addrs, net.JoinHostPort(ip.String(),
				params.DefaultPort))
		}
	}
	// Shuffle so all clients don't hammer the same seed results in order.
	rand.Shuffle(len(addrs), func(i, j int) {
		addrs[i], addrs[j] = addrs[j], addrs[i]
	})
	m.candidates = addrs
	log.Debugf("Seeded %d peer addresses from DNS", len(addrs))
}

// BanPeer removes a peer address from the rotation for the ban duration.
func (m *Manager) BanPeer(addr string, reason string) {
	m.mtx.Lock()
	m.banned[addr] = time.Now().Add(banDuration)
	m.mtx.Unlock()
	log.Infof("Banned peer %s: %s", addr, reason)
}

// beginRotation refreshes the candidate list when the previous rotation
// consumed it, so each NextPeer search walks every candidate once.
func (m *Manager) beginRotation() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.nextIdx >= len(m.candidates) {
		m.nextIdx = 0
		m.seedCandidates()
	}
}

// nextCandidate returns the next non-banned candidate address, or false
// when the current rotation is exhausted.
func (m *Manager) nextCandidate() (string, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for m.nextIdx < len(m.candidates) {
		addr := m.candidates[m.nextIdx]
		m.nextIdx++
		if banEnd, ok := m.banned[addr]; ok {
			if time.Now().Before(banEnd) {
				continue
			}
			delete(m.banned, addr)
		}
		return addr, true
	}
	return "", false
}

// NextPeer connects to the next usable candidate and returns it once the
// handshake completes.  Candidates that fail to connect are skipped.  It
// returns an ErrNoPeers PeerError when every candidate is unreachable.
func (m *Manager) NextPeer(ctx context.Context) (*Peer, error) {
	m.beginRotation()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return nil, peerError(ErrNoPeers,
				"peer selection canceled", ctx.Err())
		default:
		}

		addr, ok := m.nextCandidate()
		if !ok {
			return nil, peerError(ErrNoPeers,
				"no reachable peers", lastErr)
		}

		peer := NewPeer(addr, m.cfg.PeerConfig)
		if err := peer.Connect(ctx); err != nil {
			log.Debugf("Peer %s unusable: %v", addr, err)
			lastErr = err
			continue
		}
		return peer, nil
	}
}
