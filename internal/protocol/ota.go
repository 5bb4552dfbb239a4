package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/lattice"
)

const phaseOtaPropose choreo.Phase = 0

// sessionUpgrade is the session type an upgrade proposal registers under.
const sessionUpgrade journal.SessionKind = "upgrade"

// UpgradeKind classifies an upgrade.
type UpgradeKind string

const (
	// SoftFork is optional and backward compatible.
	SoftFork UpgradeKind = "soft_fork"
	// HardFork is mandatory and activates at a fenced epoch.
	HardFork UpgradeKind = "hard_fork"
	// SecurityPatch carries a severity.
	SecurityPatch UpgradeKind = "security_patch"
)

// Severity grades a security patch.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// OptInPolicy decides which upgrades a device adopts without an explicit
// approval.
type OptInPolicy string

const (
	PolicyAutomatic    OptInPolicy = "automatic"
	PolicyManual       OptInPolicy = "manual"
	PolicySecurityOnly OptInPolicy = "security_only"
	PolicySoftForkAuto OptInPolicy = "soft_fork_auto"
)

// ParsePolicy maps a configuration string to a policy.
func ParsePolicy(s string) (OptInPolicy, error) {
	switch p := OptInPolicy(s); p {
	case PolicyAutomatic, PolicyManual, PolicySecurityOnly, PolicySoftForkAuto:
		return p, nil
	}
	return "", fmt.Errorf("unknown opt-in policy %q", s)
}

// autoAdopts reports whether p adopts kind without approval.
func (p OptInPolicy) autoAdopts(kind UpgradeKind) bool {
	switch p {
	case PolicyAutomatic:
		return true
	case PolicySecurityOnly:
		return kind == SecurityPatch
	case PolicySoftForkAuto:
		return kind == SoftFork || kind == SecurityPatch
	}
	return false
}

// UpgradeProposal describes one upgrade.
type UpgradeProposal struct {
	ProposalID      uuid.UUID      `json:"proposal_id"`
	PackageID       uuid.UUID      `json:"package_id"`
	Version         string         `json:"version"`
	Kind            UpgradeKind    `json:"kind"`
	Severity        Severity       `json:"severity,omitempty"`
	PackageHash     canonical.Hash `json:"package_hash"`
	ActivationEpoch uint64         `json:"activation_epoch,omitempty"`
	Proposer        ids.DeviceID   `json:"proposer"`
}

// Validate checks the fields each kind requires.
func (p UpgradeProposal) Validate() error {
	if p.Version == "" {
		return errors.New("upgrade has no version")
	}
	if p.PackageHash.IsZero() {
		return errors.New("upgrade has no package hash")
	}
	switch p.Kind {
	case SoftFork:
	case HardFork:
		if p.ActivationEpoch == 0 {
			return errors.New("hard fork needs an activation epoch")
		}
	case SecurityPatch:
		switch p.Severity {
		case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		default:
			return fmt.Errorf("security patch severity %q", p.Severity)
		}
	default:
		return fmt.Errorf("unknown upgrade kind %q", p.Kind)
	}
	return nil
}

// FenceKey is the journal fact holding a hard fork's activation epoch.
func FenceKey(version string) string { return "ota/fence/" + version }

// UpgradeStatus is where an upgrade stands on one device.
type UpgradeStatus string

const (
	UpgradeAccepted  UpgradeStatus = "accepted"
	UpgradeDeclined  UpgradeStatus = "declined"
	UpgradeInstalled UpgradeStatus = "installed"
	UpgradeFailed    UpgradeStatus = "failed"
)

// UpgradeRecord is a device's view of one upgrade.
type UpgradeRecord struct {
	Proposal UpgradeProposal `json:"proposal"`
	Status   UpgradeStatus   `json:"status"`
	Reason   string          `json:"reason,omitempty"`
	At       int64           `json:"at"`
}

// OTAConfig tunes upgrade coordination.
type OTAConfig struct {
	// ReadinessThreshold is how many devices, the proposer included, must
	// adopt a non-mandatory upgrade.
	ReadinessThreshold int
	// QuorumSize is the number of devices coordinating.
	QuorumSize int
	// EnforceEpochFence makes installation of a hard fork check its fence.
	EnforceEpochFence bool
}

// Validate rejects configurations that cannot reach a decision or leave
// hard forks unfenced.
func (c OTAConfig) Validate() error {
	switch {
	case c.ReadinessThreshold < 1:
		return errors.New("readiness threshold must be at least 1")
	case c.ReadinessThreshold > c.QuorumSize:
		return fmt.Errorf("readiness threshold %d exceeds quorum size %d", c.ReadinessThreshold, c.QuorumSize)
	case !c.EnforceEpochFence:
		return errors.New("epoch fence enforcement cannot be disabled")
	}
	return nil
}

// UpgradeRequest starts one role of an upgrade round. The first
// participant proposes.
type UpgradeRequest struct {
	Session      ids.SessionID
	Participants []ids.DeviceID
	// Proposal is the proposer's; other roles ignore it.
	Proposal UpgradeProposal
	Epoch    uint64
}

type otaState struct {
	mu       sync.Mutex
	current  string
	policy   OptInPolicy
	approved map[string]bool
	upgrades map[string]UpgradeRecord
}

// Orchestrator coordinates upgrades for one device. It is a handle: copies
// and Clone share the same state, so a failure marked through any of them
// is seen by all.
type Orchestrator struct {
	node  *Node
	cfg   OTAConfig
	state *otaState
}

// NewOrchestrator starts at version current under policy.
func NewOrchestrator(n *Node, cfg OTAConfig, current string, policy OptInPolicy) (Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return Orchestrator{}, err
	}
	return Orchestrator{
		node: n,
		cfg:  cfg,
		state: &otaState{
			current:  current,
			policy:   policy,
			approved: map[string]bool{},
			upgrades: map[string]UpgradeRecord{},
		},
	}, nil
}

// Clone returns another handle on the same orchestrator.
func (o Orchestrator) Clone() Orchestrator { return o }

// Current is the installed version.
func (o Orchestrator) Current() string {
	o.state.mu.Lock()
	defer o.state.mu.Unlock()
	return o.state.current
}

// SetPolicy changes the opt-in policy for later proposals.
func (o Orchestrator) SetPolicy(p OptInPolicy) {
	o.state.mu.Lock()
	defer o.state.mu.Unlock()
	o.state.policy = p
}

// Approve adopts version ahead of its proposal regardless of policy.
func (o Orchestrator) Approve(version string) {
	o.state.mu.Lock()
	defer o.state.mu.Unlock()
	o.state.approved[version] = true
}

// Status returns the device's record of version.
func (o Orchestrator) Status(version string) (UpgradeRecord, bool) {
	o.state.mu.Lock()
	defer o.state.mu.Unlock()
	r, ok := o.state.upgrades[version]
	return r, ok
}

// Adopts reports why the device would refuse p, or nil.
func (o Orchestrator) Adopts(p UpgradeProposal) error {
	if err := p.Validate(); err != nil {
		return err
	}
	o.state.mu.Lock()
	defer o.state.mu.Unlock()
	if p.Version == o.state.current {
		return fmt.Errorf("version %s already installed", p.Version)
	}
	if o.state.approved[p.Version] || o.state.policy.autoAdopts(p.Kind) {
		return nil
	}
	return fmt.Errorf("%s policy does not adopt %s %s", o.state.policy, p.Kind, p.Version)
}

func (o Orchestrator) set(p UpgradeProposal, status UpgradeStatus, reason string) UpgradeRecord {
	r := UpgradeRecord{Proposal: p, Status: status, Reason: reason, At: o.node.now(context.Background())}
	o.state.mu.Lock()
	defer o.state.mu.Unlock()
	o.state.upgrades[p.Version] = r
	return r
}

// ProposeUpgrade runs an upgrade round. The proposer holds the upgrade lock
// while devices declare readiness under their policies. A hard fork needs
// every device and, once accepted, its fence is written to the journal. A
// device that declines an upgrade the others accepted records it as
// declined and returns no error.
func (o Orchestrator) ProposeUpgrade(ctx context.Context, req UpgradeRequest) (rec UpgradeRecord, err error) {
	n := o.node
	quorum := o.cfg.ReadinessThreshold
	if req.Proposal.Kind == HardFork || len(req.Participants) < quorum {
		quorum = len(req.Participants)
	}
	inst, err := n.join(req.Session, req.Participants, req.Epoch, quorum)
	if err != nil {
		return UpgradeRecord{}, err
	}
	coordinator := inst.IsCoordinator()
	n.openSession(ctx, req.Session, sessionUpgrade, coordinator)
	defer func() {
		cleanup := context.WithoutCancel(ctx)
		if coordinator {
			if relErr := n.ReleaseLock(cleanup, journal.OpUpgrade, req.Session); relErr != nil {
				n.logger.Warn("upgrade lock not released", "session", req.Session, "error", relErr)
			}
		}
		n.closeSession(cleanup, req.Session, coordinator, err)
		n.record("ota", err)
	}()

	proposal := req.Proposal
	if coordinator {
		if _, err := n.AcquireLock(ctx, journal.OpUpgrade, req.Session); err != nil {
			return UpgradeRecord{}, err
		}
		proposal.Proposer = n.Device()
	}

	var (
		seen     UpgradeProposal
		declined error
	)
	validate := func(p UpgradeProposal) error {
		seen = p
		if n.behavior.RejectProposals {
			declined = errors.New("proposal refused")
		} else {
			declined = o.Adopts(p)
		}
		return declined
	}
	agreed, err := choreo.ProposeAndAcknowledge(ctx, inst, phaseOtaPropose, proposal, validate)
	if err != nil {
		if !coordinator && declined != nil && acceptedElsewhere(err) {
			n.logger.Info("upgrade declined", "version", seen.Version, "reason", declined)
			return o.set(seen, UpgradeDeclined, declined.Error()), nil
		}
		return UpgradeRecord{}, err
	}

	if coordinator && agreed.Kind == HardFork {
		if err := o.writeFence(ctx, agreed); err != nil {
			return UpgradeRecord{}, err
		}
	}
	rec = o.set(agreed, UpgradeAccepted, "")
	n.logger.Info("upgrade accepted",
		"version", agreed.Version,
		"kind", agreed.Kind,
		"device", n.Device().Short())
	return rec, nil
}

// acceptedElsewhere tells a participant's refusal of a proposal the
// quorum accepted apart from the round failing.
func acceptedElsewhere(err error) bool {
	return faults.Is(err, faults.CodeProtocolViolation) &&
		strings.Contains(err.Error(), "accepted proposal failed local validation")
}

func (o Orchestrator) writeFence(ctx context.Context, p UpgradeProposal) error {
	ledger := o.node.Ledger()
	cur, err := ledger.GetJournal(ctx)
	if err != nil {
		return err
	}
	delta := journal.Journal{
		Facts: lattice.Fact{FenceKey(p.Version): lattice.Int(int64(p.ActivationEpoch))},
		Caps:  cur.Caps,
	}
	if _, err := ledger.CommitDelta(ctx, delta); err != nil {
		return fmt.Errorf("write fence for %s: %w", p.Version, err)
	}
	o.node.logger.Info("epoch fence set", "version", p.Version, "activation_epoch", p.ActivationEpoch)
	return nil
}

// Install completes an accepted upgrade. A hard fork installs only when its
// journal fence matches the proposal's activation epoch; otherwise the
// upgrade is marked failed.
func (o Orchestrator) Install(ctx context.Context, version string) (UpgradeRecord, error) {
	rec, ok := o.Status(version)
	if !ok || rec.Status != UpgradeAccepted {
		return UpgradeRecord{}, faults.ProtocolViolation(fmt.Sprintf("upgrade %s is not accepted", version))
	}
	if rec.Proposal.Kind == HardFork && o.cfg.EnforceEpochFence {
		if err := o.checkFence(ctx, rec.Proposal); err != nil {
			o.MarkFailed(version, err.Error())
			return UpgradeRecord{}, err
		}
	}
	o.state.mu.Lock()
	o.state.current = version
	o.state.mu.Unlock()
	return o.set(rec.Proposal, UpgradeInstalled, ""), nil
}

func (o Orchestrator) checkFence(ctx context.Context, p UpgradeProposal) error {
	j, err := o.node.Ledger().GetJournal(ctx)
	if err != nil {
		return err
	}
	fence, ok := j.Facts[FenceKey(p.Version)]
	if !ok {
		return faults.ProtocolViolation(fmt.Sprintf("no epoch fence for %s", p.Version))
	}
	if fence.Kind != lattice.KindInt || fence.Int != int64(p.ActivationEpoch) {
		return faults.ProtocolViolation(fmt.Sprintf("epoch fence for %s is %d, proposal activates at %d", p.Version, fence.Int, p.ActivationEpoch))
	}
	return nil
}

// MarkFailed records that version could not be installed.
func (o Orchestrator) MarkFailed(version, reason string) {
	o.state.mu.Lock()
	defer o.state.mu.Unlock()
	r := o.state.upgrades[version]
	r.Status, r.Reason = UpgradeFailed, reason
	r.At = o.node.now(context.Background())
	o.state.upgrades[version] = r
	o.node.logger.Warn("upgrade failed", "version", version, "reason", reason)
}
