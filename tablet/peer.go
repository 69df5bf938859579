package tablet

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Crixalis2013/yugabyte-db/clock"
	"github.com/Crixalis2013/yugabyte-db/config"
	"github.com/Crixalis2013/yugabyte-db/hybridtime"
	"github.com/Crixalis2013/yugabyte-db/mvcc"
)

// Role of a tablet replica. The leader allocates hybrid times locally
// and certifies safe time under its lease; a follower replays hybrid
// times decided by the leader and is bounded by the propagated safe
// time.
type Role int32

const (
	RoleFollower Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}

var (
	ErrNotLeader   = errors.New("peer is not the tablet leader")
	ErrNotFollower = errors.New("peer is not a tablet follower")
)

// Peer glues the clock, the MVCC manager and the leader lease together
// for one tablet replica. The replication layer drives it: it submits
// writes before proposing them, reports their outcome once decided,
// renews the lease on acknowledged rounds and switches the role. Role
// transitions must be serialized with respect to the safe time queries
// by the caller; the peer only routes each call to the entry point of
// its current role.
type Peer struct {
	tabletID string
	clk      clock.Clock
	mgr      *mvcc.Manager
	lease    *Lease
	role     int32
}

func NewPeer(tabletID string, cfg *config.Config, clk clock.Clock) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mgr := mvcc.NewManager(fmt.Sprintf("T %s: ", tabletID), clk)
	mgr.SetSafeTimeRecheckInterval(cfg.SafeTimeRecheckInterval)
	return &Peer{
		tabletID: tabletID,
		clk:      clk,
		mgr:      mgr,
		lease:    NewLease(cfg.LeaderLease),
	}, nil
}

// NewStandalonePeer builds a peer backed by a real hybrid clock tuned
// from cfg and applies the configured log level. It is the constructor a
// server binary would use; tests inject a clock through NewPeer.
func NewStandalonePeer(tabletID string, cfg *config.Config) (*Peer, error) {
	var lvl zapcore.Level
	if err := lvl.Set(cfg.LogLevel); err != nil {
		return nil, errors.WithStack(err)
	}
	log.SetLevel(lvl)
	return NewPeer(tabletID, cfg, clock.NewHybridClockWithMaxJumpBack(cfg.MaxClockJumpBack))
}

func (p *Peer) TabletID() string {
	return p.tabletID
}

func (p *Peer) Role() Role {
	return Role(atomic.LoadInt32(&p.role))
}

// Now reads the peer's clock.
func (p *Peer) Now() hybridtime.HybridTime {
	return p.clk.Now()
}

// UpdateClock advances the peer's clock past a hybrid time observed from
// another node.
func (p *Peer) UpdateClock(ht hybridtime.HybridTime) {
	p.clk.Update(ht)
}

// BecomeLeader switches the peer to leader mode and arms the lease from
// the current instant.
func (p *Peer) BecomeLeader() {
	atomic.StoreInt32(&p.role, int32(RoleLeader))
	p.lease.Renew(time.Now())
	log.Info("tablet peer became leader", zap.String("tablet", p.tabletID))
}

// BecomeFollower switches the peer to follower mode and revokes the
// lease.
func (p *Peer) BecomeFollower() {
	atomic.StoreInt32(&p.role, int32(RoleFollower))
	p.lease.Expire()
	log.Info("tablet peer became follower", zap.String("tablet", p.tabletID))
}

// RenewLease extends the leader lease after a replication round sent at
// sendTs was acknowledged by a quorum.
func (p *Peer) RenewLease(sendTs time.Time) {
	if p.Role() == RoleLeader {
		p.lease.Renew(sendTs)
	}
}

// SubmitWrite assigns a fresh hybrid time to a write about to be
// proposed to replication and registers it as pending.
func (p *Peer) SubmitWrite() (hybridtime.HybridTime, error) {
	if p.Role() != RoleLeader {
		return hybridtime.Invalid, errors.WithStack(ErrNotLeader)
	}
	return p.mgr.AddPending(), nil
}

// StartReplicaWrite registers a leader-decided hybrid time that is being
// replayed on this follower.
func (p *Peer) StartReplicaWrite(ht hybridtime.HybridTime) error {
	if p.Role() != RoleFollower {
		return errors.WithStack(ErrNotFollower)
	}
	p.mgr.AddFollowerPending(ht)
	return nil
}

// FinishWrite reports the outcome of a previously submitted write.
func (p *Peer) FinishWrite(ht hybridtime.HybridTime, replicated bool) {
	if replicated {
		p.mgr.Replicated(ht)
	} else {
		p.mgr.Aborted(ht)
	}
}

// SetPropagatedSafeTime records the safe time bound piggybacked on a
// replication heartbeat. It only applies to followers; a call on a
// leader indicates a confused caller and is dropped.
func (p *Peer) SetPropagatedSafeTime(ht hybridtime.HybridTime) {
	if p.Role() != RoleFollower {
		log.Warn("ignoring propagated safe time on a leader",
			zap.String("tablet", p.tabletID), zap.Stringer("safe-time", ht))
		return
	}
	p.mgr.SetPropagatedSafeTime(ht)
}

// SafeTime returns the current safe time of this replica without
// blocking.
func (p *Peer) SafeTime() hybridtime.HybridTime {
	if p.Role() == RoleLeader {
		return p.mgr.SafeTime(p.lease.Bound())
	}
	return p.mgr.FollowerSafeTime()
}

// WaitForSafeRead blocks until this replica can serve a consistent read
// at or after minAllowed, returning the snapshot hybrid time to read at.
// The second return value is false if the deadline elapsed first.
func (p *Peer) WaitForSafeRead(
	minAllowed hybridtime.HybridTime, deadline time.Time,
) (hybridtime.HybridTime, bool) {
	if p.Role() == RoleLeader {
		return p.mgr.WaitForSafeTime(minAllowed, deadline, p.lease.Bound)
	}
	return p.mgr.SafeTimeForFollower(minAllowed, deadline)
}

// LastReplicatedHybridTime returns the hybrid time of the most recently
// confirmed write.
func (p *Peer) LastReplicatedHybridTime() hybridtime.HybridTime {
	return p.mgr.LastReplicatedHybridTime()
}
