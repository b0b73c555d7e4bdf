package registry

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"time"

	"mnnet/internal/masternode"
	"mnnet/internal/params"
	"mnnet/internal/proto"
)

// ProcessMessage is the inbound gossip entrypoint. A returned error means
// the payload could not be decoded or routed; validation failures are
// reported to the transport as misbehavior instead.
func (r *Registry) ProcessMessage(peer, cmd string, payload []byte) error {
	r.msgMu.Lock()
	defer r.msgMu.Unlock()
	r.metrics.IncRecvByType(cmd)

	switch cmd {
	case proto.CmdBroadcast:
		b, err := proto.DecodeBroadcast(payload)
		if err != nil {
			r.misbehaving(peer, masternode.DosMalformed, "undecodable mnb")
			return fmt.Errorf("decode mnb: %w", err)
		}
		r.checkBroadcast(peer, b, nil)
	case proto.CmdPing:
		p, err := proto.DecodePing(payload)
		if err != nil {
			r.misbehaving(peer, masternode.DosMalformed, "undecodable mnp")
			return fmt.Errorf("decode mnp: %w", err)
		}
		r.checkPing(peer, p)
	case proto.CmdListRequest:
		req, err := proto.DecodeListRequest(payload)
		if err != nil {
			return fmt.Errorf("decode dseg: %w", err)
		}
		r.serveList(peer, req)
	case proto.CmdListBatch:
		batch, err := proto.DecodeListBatch(payload)
		if err != nil {
			return fmt.Errorf("decode mnlist: %w", err)
		}
		r.acceptList(peer, batch)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	return nil
}

// CheckMnbAndUpdateMasternodeList admits an announcement. dos is the
// misbehavior score charged to peer when the announcement is refused.
func (r *Registry) CheckMnbAndUpdateMasternodeList(peer string, b proto.Broadcast) (accepted bool, dos int) {
	r.msgMu.Lock()
	defer r.msgMu.Unlock()
	return r.checkBroadcast(peer, b, nil)
}

// CheckPing admits a heartbeat from peer.
func (r *Registry) CheckPing(peer string, p proto.Ping) (accepted bool, dos int) {
	r.msgMu.Lock()
	defer r.msgMu.Unlock()
	return r.checkPing(peer, p)
}

// UpdateMasternodeList stores an already validated announcement without
// relaying it.
func (r *Registry) UpdateMasternodeList(b proto.Broadcast) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.seenBroadcasts[b.Hash()] = b
	if !b.LastPing.IsZero() {
		r.seenPings[b.LastPing.Hash()] = b.LastPing
	}
	if mn, ok := r.entries[b.Outpoint]; ok {
		mn.UpdateFromBroadcast(b)
		mn.Check(now, r.watchdogActiveLocked(now))
		return
	}
	mn := masternode.FromBroadcast(b, now)
	mn.Check(now, r.watchdogActiveLocked(now))
	r.entries[b.Outpoint] = mn
	r.metrics.SetEntries(len(r.entries))
}

// SetMasternodeLastPing records a locally produced ping and relays it.
func (r *Registry) SetMasternodeLastPing(p proto.Ping) error {
	r.mu.Lock()
	mn, ok := r.entries[p.Outpoint]
	if !ok {
		r.mu.Unlock()
		return ErrNotInRegistry
	}
	if p.SigTime > mn.LastPing.SigTime {
		mn.LastPing = p
	}
	r.seenPings[p.Hash()] = p
	now := r.now()
	mn.Check(now, r.watchdogActiveLocked(now))
	r.mu.Unlock()

	r.transport.Relay(proto.CmdPing, p, "")
	r.metrics.IncGossipRelayed()
	return nil
}

func (r *Registry) misbehaving(peer string, dos int, reason string) {
	if peer == "" || dos <= 0 {
		return
	}
	r.metrics.IncMisbehaving()
	r.transport.Misbehaving(peer, dos, reason)
}

func (r *Registry) reject(peer string, dos int, err error) (bool, int) {
	r.log.Debug().Str("peer", peer).Int("dos", dos).Err(err).Msg("rejected mnb")
	r.metrics.IncBroadcastRejected()
	r.misbehaving(peer, dos, err.Error())
	return false, dos
}

// checkBroadcast runs the mnb admission path. latest, when set, is a newer
// ping for the same node carried alongside in a list batch.
func (r *Registry) checkBroadcast(peer string, b proto.Broadcast, latest *proto.Ping) (bool, int) {
	now := r.now()
	hash := b.Hash()

	r.mu.Lock()
	_, seen := r.seenBroadcasts[hash]
	r.mu.Unlock()
	if seen {
		r.metrics.IncBroadcastDuplicate()
		return true, 0
	}

	if dos, err := masternode.CheckBroadcast(r.network, b, now); err != nil {
		return r.reject(peer, dos, err)
	}
	if latest != nil {
		if latest.Outpoint != b.Outpoint || latest.SigTime <= b.LastPing.SigTime {
			latest = nil
		} else if err := masternode.CheckTimestamp(latest.SigTime, now); errors.Is(err, masternode.ErrFutureTimestamp) {
			latest = nil
		} else if err := masternode.VerifyPing(*latest, b.PubKeyOperator); err != nil {
			return r.reject(peer, masternode.DosPingSignature, err)
		}
	}
	if r.collateral != nil {
		conf, ok := r.collateral.Confirmations(b.Outpoint)
		if !ok {
			return r.reject(peer, 0, fmt.Errorf("collateral %s not found", b.Outpoint))
		}
		if conf < r.collateral.MinConfirmations() {
			// not marked seen so it can be retried once deeper
			return r.reject(peer, 0, fmt.Errorf("collateral %s - %d confirmations", b.Outpoint, conf))
		}
	}

	r.mu.Lock()
	watchdog := r.watchdogActiveLocked(now)
	existing, ok := r.entries[b.Outpoint]
	if !ok {
		mn := masternode.FromBroadcast(b, now)
		if latest != nil {
			mn.LastPing = *latest
		}
		if mn.Check(now, watchdog) == masternode.StateRemove {
			r.mu.Unlock()
			return r.reject(peer, 0, fmt.Errorf("stale announcement for %s", b.Outpoint))
		}
		r.markSeenLocked(hash, b, latest)
		r.entries[b.Outpoint] = mn
		delete(r.weAskedEntry, b.Outpoint)
		r.metrics.SetEntries(len(r.entries))
		r.metrics.Recent().Add(metricsEvent("added", b.Outpoint, now))
		info := mn.Info()
		r.mu.Unlock()
		r.log.Info().Str("vin", b.Outpoint.String()).Str("addr", b.Addr).Str("peer", peer).Msg("new masternode")
		r.metrics.IncBroadcastAccepted()
		r.relay(proto.CmdBroadcast, b, peer)
		r.accepted(info)
		return true, 0
	}

	if !bytes.Equal(existing.PubKeyCollateral, b.PubKeyCollateral) {
		r.mu.Unlock()
		return r.reject(peer, masternode.DosCollateralSwap, fmt.Errorf("collateral key changed for %s", b.Outpoint))
	}
	if existing.SigTime >= b.SigTime {
		sigTime := existing.SigTime
		r.mu.Unlock()
		return r.reject(peer, 0, fmt.Errorf("%w: %d >= %d", ErrBroadcastRegression, sigTime, b.SigTime))
	}
	if existing.State == masternode.StateOutpointSpent {
		r.mu.Unlock()
		return r.reject(peer, 0, fmt.Errorf("collateral %s spent", b.Outpoint))
	}
	r.markSeenLocked(hash, b, latest)
	if existing.IsBroadcastedWithin(params.MinBroadcastInterval, now) {
		r.mu.Unlock()
		r.log.Debug().Str("vin", b.Outpoint.String()).Msg("mnb too soon after previous, not updating")
		return false, 0
	}
	existing.UpdateFromBroadcast(b)
	if latest != nil && latest.SigTime > existing.LastPing.SigTime {
		existing.LastPing = *latest
	}
	existing.Check(now, watchdog)
	r.metrics.Recent().Add(metricsEvent("updated", b.Outpoint, now))
	info := existing.Info()
	r.mu.Unlock()

	r.metrics.IncBroadcastAccepted()
	r.relay(proto.CmdBroadcast, b, peer)
	r.accepted(info)
	return true, 0
}

func (r *Registry) accepted(info masternode.Info) {
	if r.onAccepted != nil {
		r.onAccepted(info)
	}
}

func (r *Registry) markSeenLocked(hash [32]byte, b proto.Broadcast, latest *proto.Ping) {
	r.seenBroadcasts[hash] = b
	r.seenPings[b.LastPing.Hash()] = b.LastPing
	if latest != nil {
		r.seenPings[latest.Hash()] = *latest
	}
}

func (r *Registry) relay(cmd string, payload any, except string) {
	r.transport.Relay(cmd, payload, except)
	r.metrics.IncGossipRelayed()
}

func (r *Registry) checkPing(peer string, p proto.Ping) (bool, int) {
	now := r.now()
	hash := p.Hash()

	r.mu.Lock()
	_, seen := r.seenPings[hash]
	r.mu.Unlock()
	if seen {
		r.metrics.IncPingDuplicate()
		return true, 0
	}
	rejectPing := func(dos int, reason string) (bool, int) {
		r.log.Debug().Str("peer", peer).Str("vin", p.Outpoint.String()).Int("dos", dos).Msg(reason)
		r.metrics.IncPingRejected()
		r.misbehaving(peer, dos, reason)
		return false, dos
	}
	if err := masternode.CheckTimestamp(p.SigTime, now); err != nil {
		return rejectPing(masternode.DosTimestamp, "mnp "+err.Error())
	}

	r.mu.Lock()
	mn, ok := r.entries[p.Outpoint]
	if !ok {
		r.mu.Unlock()
		r.AskForMN(peer, p.Outpoint)
		return rejectPing(0, "mnp for unknown masternode")
	}
	if mn.ProtocolVersion < params.MinPeerProtocolVersion {
		r.mu.Unlock()
		return rejectPing(0, "mnp from outdated masternode")
	}
	if mn.IsPingedWithin(params.MinPingInterval-time.Minute, time.Unix(p.SigTime, 0)) {
		r.mu.Unlock()
		return rejectPing(0, "mnp arrived too early")
	}
	opKey := append([]byte(nil), mn.PubKeyOperator...)
	r.mu.Unlock()

	if err := masternode.VerifyPing(p, opKey); err != nil {
		return rejectPing(masternode.DosPingSignature, err.Error())
	}

	r.mu.Lock()
	mn, ok = r.entries[p.Outpoint]
	if !ok || mn.LastPing.SigTime >= p.SigTime {
		r.mu.Unlock()
		return false, 0
	}
	mn.LastPing = p
	r.seenPings[hash] = p
	enabled := mn.Check(now, r.watchdogActiveLocked(now)) == masternode.StateEnabled
	r.mu.Unlock()

	r.metrics.IncPingAccepted()
	if enabled {
		r.relay(proto.CmdPing, p, peer)
	}
	return true, 0
}

// AskForMN requests a single entry from peer, at most once per ping
// interval per (entry, peer).
func (r *Registry) AskForMN(peer string, op proto.Outpoint) {
	if peer == "" {
		return
	}
	now := r.now().Unix()
	r.mu.Lock()
	key := askKey(peer)
	asks := r.weAskedEntry[op]
	if asks == nil {
		asks = make(map[string]int64)
		r.weAskedEntry[op] = asks
	}
	if until, ok := asks[key]; ok && until > now {
		r.mu.Unlock()
		return
	}
	asks[key] = now + int64(params.MinPingInterval/time.Second)
	r.mu.Unlock()

	r.log.Debug().Str("peer", peer).Str("vin", op.String()).Msg("asking for missing masternode entry")
	if err := r.transport.Push(peer, proto.CmdListRequest, proto.ListRequest{Outpoint: op}); err != nil {
		r.log.Debug().Str("peer", peer).Err(err).Msg("dseg push failed")
	}
}

// DsegUpdate requests the full list from peer, at most once per dseg
// interval on mainnet for routable peers.
func (r *Registry) DsegUpdate(peer string) bool {
	now := r.now().Unix()
	key := askKey(peer)
	r.mu.Lock()
	if r.network == params.Main && !isLocalPeer(peer) {
		if until, ok := r.weAsked[key]; ok && until > now {
			r.mu.Unlock()
			r.log.Debug().Str("peer", peer).Msg("we already asked peer for the list, skipping")
			return false
		}
	}
	r.weAsked[key] = now + int64(params.DsegInterval/time.Second)
	r.mu.Unlock()

	if err := r.transport.Push(peer, proto.CmdListRequest, proto.ListRequest{}); err != nil {
		r.log.Debug().Str("peer", peer).Err(err).Msg("dseg push failed")
		return false
	}
	return true
}

func (r *Registry) serveList(peer string, req proto.ListRequest) {
	now := r.now()
	full := req.Outpoint.IsZero()

	r.mu.Lock()
	if full && r.network == params.Main && !isLocalPeer(peer) {
		key := askKey(peer)
		if until, ok := r.askedUs[key]; ok && until > now.Unix() {
			r.mu.Unlock()
			r.metrics.IncListRejected()
			r.misbehaving(peer, masternode.DosListFlood, "peer already asked for the list")
			return
		}
		r.askedUs[key] = now.Unix() + int64(params.DsegInterval/time.Second)
	}
	r.checkLocked(now)
	var batch proto.ListBatch
	for op, mn := range r.entries {
		if !full && op != req.Outpoint {
			continue
		}
		if !mn.IsRoutable() || !mn.IsEnabled() {
			continue
		}
		batch.Broadcasts = append(batch.Broadcasts, mn.Announcement)
		if mn.LastPing.SigTime > mn.Announcement.LastPing.SigTime {
			batch.Pings = append(batch.Pings, mn.LastPing)
		}
	}
	r.mu.Unlock()

	batch.Count = len(batch.Broadcasts)
	if !full && batch.Count == 0 {
		return
	}
	if err := r.transport.Push(peer, proto.CmdListBatch, batch); err != nil {
		r.log.Debug().Str("peer", peer).Err(err).Msg("mnlist push failed")
		return
	}
	r.metrics.IncListServed()
	r.log.Debug().Str("peer", peer).Int("count", batch.Count).Msg("sent masternode list")
}

func (r *Registry) acceptList(peer string, batch proto.ListBatch) {
	latest := make(map[proto.Outpoint]proto.Ping, len(batch.Pings))
	for _, p := range batch.Pings {
		if cur, ok := latest[p.Outpoint]; !ok || p.SigTime > cur.SigTime {
			latest[p.Outpoint] = p
		}
	}
	for _, b := range batch.Broadcasts {
		var lp *proto.Ping
		if p, ok := latest[b.Outpoint]; ok {
			lp = &p
			delete(latest, b.Outpoint)
		}
		r.checkBroadcast(peer, b, lp)
	}
	for _, p := range latest {
		r.checkPing(peer, p)
	}
}

// askKey is the host part of peer. List-sync limits apply per host so a
// reconnect from a fresh source port does not reset them.
func askKey(peer string) string {
	host, _, err := net.SplitHostPort(peer)
	if err != nil || host == "" {
		return peer
	}
	return host
}

func isLocalPeer(peer string) bool {
	if peer == "" {
		return true
	}
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		host = peer
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
