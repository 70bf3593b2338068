package core

import (
	"log/slog"
	"net/netip"

	"github.com/encodeous/loom/state"
)

// SessionKey identifies a directed BGP session by the ids of the receiving (Local)
// and sending (Remote) virtual routers.
type SessionKey struct {
	Local  int
	Remote int
}

// bgpSession is a session seen from the receiving router. Only the receiver writes
// to it during an iteration.
type bgpSession struct {
	key    SessionKey
	local  *VirtualRouter
	remote *VirtualRouter
	// localNb is the receiver's configuration toward the sender, remoteNb the sender's
	// configuration toward the receiver
	localNb  *state.BgpNeighborCfg
	remoteNb *state.BgpNeighborCfg
	ebgp     bool
	// deferred holds the routes the sender last advertised for oscillating prefixes
	deferred map[netip.Prefix][]*state.Route
}

// sessionArena owns every established session; routers refer to sessions by index.
type sessionArena struct {
	sessions []*bgpSession
	byKey    map[SessionKey][]int
}

func (a *sessionArena) Len() int {
	return len(a.sessions)
}

// Get returns the sessions from remote to local. Parallel sessions between the same
// pair of routers are possible when they peer over several addresses.
func (a *sessionArena) Get(key SessionKey) []*bgpSession {
	out := make([]*bgpSession, 0)
	for _, idx := range a.byKey[key] {
		out = append(out, a.sessions[idx])
	}
	return out
}

func findNeighbor(bgp *state.BgpProcessCfg, peer netip.Addr) *state.BgpNeighborCfg {
	for i := range bgp.Neighbors {
		if bgp.Neighbors[i].PeerIp == peer {
			return &bgp.Neighbors[i]
		}
	}
	return nil
}

// establishSessions pairs up neighbor configurations. A session exists when the peer
// address is owned by a router whose configuration points back at our local address
// with matching AS numbers on both sides; anything else leaves the neighbor down.
func establishSessions(vrs []*VirtualRouter, owners *state.IpOwners, log *slog.Logger) *sessionArena {
	arena := &sessionArena{byKey: make(map[SessionKey][]int)}
	for _, vr := range vrs {
		if vr.bgp == nil {
			continue
		}
		for i := range vr.bgp.cfg.Neighbors {
			nb := &vr.bgp.cfg.Neighbors[i]
			s, reason := resolveSession(vr, nb, vrs, owners)
			if s == nil {
				log.Debug("bgp session down", "vr", vr.NodeVrf.String(), "peer", nb.PeerIp, "reason", reason)
				continue
			}
			arena.byKey[s.key] = append(arena.byKey[s.key], len(arena.sessions))
			arena.sessions = append(arena.sessions, s)
			vr.bgp.sessions = append(vr.bgp.sessions, s)
		}
	}
	return arena
}

func resolveSession(vr *VirtualRouter, nb *state.BgpNeighborCfg, vrs []*VirtualRouter, owners *state.IpOwners) (*bgpSession, string) {
	if !nb.LocalIp.IsValid() {
		return nil, "no local address"
	}
	if !owners.OwnedByVrf(nb.LocalIp, vr.Hostname, vr.Vrf) {
		return nil, "local address is not owned by this router"
	}
	reason := "peer address is not owned by any bgp router"
	for _, remote := range vrs {
		if remote.bgp == nil || !owners.OwnedByVrf(nb.PeerIp, remote.Hostname, remote.Vrf) {
			continue
		}
		rnb := findNeighbor(remote.bgp.cfg, nb.LocalIp)
		if rnb == nil {
			reason = "peer has no neighbor configured for our local address"
			continue
		}
		if rnb.RemoteAs != nb.LocalAs || nb.RemoteAs != rnb.LocalAs {
			reason = "as number mismatch"
			continue
		}
		return &bgpSession{
			key:      SessionKey{Local: vr.Id, Remote: remote.Id},
			local:    vr,
			remote:   remote,
			localNb:  nb,
			remoteNb: rnb,
			ebgp:     nb.IsEbgp(),
			deferred: make(map[netip.Prefix][]*state.Route),
		}, ""
	}
	return nil, reason
}
