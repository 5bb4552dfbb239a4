package monitor

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/guard"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/protocol"
	"github.com/roach88/aura/internal/sim"
)

// Names of the built-in properties.
const (
	ChargeBeforeSend = "charge_before_send"
	NonceUnique      = "nonce_unique"
	HashChain        = "hash_chain"
	RecoveryCooldown = "recovery_cooldown"
	DkdAgreement     = "dkd_agreement"
	FlowWithinLimit  = "flow_within_limit"
	TasksTerminate   = "tasks_terminate"
)

// Builtins returns fresh instances of every built-in property.
func Builtins() []Property {
	return []Property{
		&chargeBeforeSend{last: map[string]sim.Event{}},
		&nonceUnique{seen: map[ids.AccountID]map[uint64]sim.Event{}},
		&hashChain{last: map[ids.AccountID]sim.Event{}},
		Invariant(RecoveryCooldown, SeverityCritical, recoveryCooldownHolds),
		Invariant(DkdAgreement, SeverityCritical, dkdAgreementHolds),
		&flowWithinLimit{keys: map[journal.BudgetKey]struct{}{}},
		Eventually(TasksTerminate, SeverityMedium, 0, tasksDone),
	}
}

func safety(name string, sev Severity, tick uint64, detail string, evidence ...sim.Event) Violation {
	return Violation{
		Property:   name,
		Kind:       KindSafety,
		Severity:   sev,
		Confidence: 1,
		DetectedAt: tick,
		Detail:     detail,
		Evidence:   evidence,
	}
}

// chargeBeforeSend requires every envelope a task sends to be paid for by
// the charge immediately before it, on the same context and peer.
type chargeBeforeSend struct {
	last map[string]sim.Event
}

func (*chargeBeforeSend) Name() string { return ChargeBeforeSend }

func (p *chargeBeforeSend) Check(s Step) []Violation {
	var out []Violation
	for _, e := range s.Events {
		if e.Kind != sim.EventEffect {
			continue
		}
		prev, seen := p.last[e.Task]
		p.last[e.Task] = e
		if e.Command != guard.KindSendEnvelope || e.Detail != "" {
			continue
		}
		switch {
		case !seen || prev.Command != guard.KindChargeBudget:
			out = append(out, safety(ChargeBeforeSend, SeverityCritical, s.Tick,
				fmt.Sprintf("task %s sent without a charge", e.Task), e))
		case prev.Detail != "":
			out = append(out, safety(ChargeBeforeSend, SeverityCritical, s.Tick,
				fmt.Sprintf("task %s sent after a failed charge", e.Task), prev, e))
		case prev.Context != e.Context || prev.Peer != e.Peer:
			out = append(out, safety(ChargeBeforeSend, SeverityCritical, s.Tick,
				fmt.Sprintf("task %s charged %s/%s but sent on %s/%s",
					e.Task, prev.Context, prev.Peer.Short(), e.Context, e.Peer.Short()), prev, e))
		}
	}
	return out
}

// nonceUnique requires journal nonces to be unique within an account.
type nonceUnique struct {
	seen map[ids.AccountID]map[uint64]sim.Event
}

func (*nonceUnique) Name() string { return NonceUnique }

func (p *nonceUnique) Check(s Step) []Violation {
	var out []Violation
	for _, e := range s.Events {
		j := e.Journal
		if e.Kind != sim.EventJournal || j == nil {
			continue
		}
		byNonce := p.seen[j.Account]
		if byNonce == nil {
			byNonce = map[uint64]sim.Event{}
			p.seen[j.Account] = byNonce
		}
		if first, dup := byNonce[j.Nonce]; dup {
			out = append(out, safety(NonceUnique, SeverityCritical, s.Tick,
				fmt.Sprintf("nonce %d reused in account %s", j.Nonce, j.Account), first, e))
			continue
		}
		byNonce[j.Nonce] = e
	}
	return out
}

// hashChain requires each journal event to name its predecessor's hash as
// parent, with increasing Lamport times.
type hashChain struct {
	last map[ids.AccountID]sim.Event
}

func (*hashChain) Name() string { return HashChain }

func (p *hashChain) Check(s Step) []Violation {
	var out []Violation
	for _, e := range s.Events {
		j := e.Journal
		if e.Kind != sim.EventJournal || j == nil {
			continue
		}
		prev, ok := p.last[j.Account]
		p.last[j.Account] = e
		if !ok {
			continue
		}
		if j.Parent != prev.Journal.Hash {
			out = append(out, safety(HashChain, SeverityCritical, s.Tick,
				fmt.Sprintf("event %s names parent %s, head was %s",
					j.Hash.Short(), j.Parent.Short(), prev.Journal.Hash.Short()), prev, e))
		}
		if j.Lamport <= prev.Journal.Lamport {
			out = append(out, safety(HashChain, SeverityCritical, s.Tick,
				fmt.Sprintf("lamport %d after %d", j.Lamport, prev.Journal.Lamport), prev, e))
		}
	}
	if s.Final {
		for _, l := range s.Snapshot.Ledgers {
			account := l.Account()
			if _, traced := p.last[account]; !traced {
				continue
			}
			if head := headOf(s.History, account); head != l.LastHash() {
				out = append(out, safety(HashChain, SeverityCritical, s.Tick,
					fmt.Sprintf("ledger head %s differs from traced head %s", l.LastHash().Short(), head.Short())))
			}
		}
	}
	return out
}

// cooldownBreaches lists the recoveries completed before their cooldown
// elapsed.
func cooldownBreaches(recs map[ids.SessionID]journal.RecoveryRecord) []string {
	var out []string
	for session, r := range recs {
		if r.CompletedAt == 0 {
			continue
		}
		due := r.InitiatedAt + int64(r.CooldownS)*1000
		if r.CompletedAt < due {
			out = append(out, fmt.Sprintf("recovery %s completed at %d, cooldown ends at %d", session, r.CompletedAt, due))
		}
	}
	slices.Sort(out)
	return out
}

func recoveryCooldownHolds(s Step) (bool, string) {
	var breaches []string
	for _, l := range s.Snapshot.Ledgers {
		breaches = append(breaches, cooldownBreaches(l.State().Recoveries)...)
	}
	if len(breaches) == 0 {
		return true, ""
	}
	return false, fmt.Sprint(breaches)
}

// dkdDisagreements lists the derivation contexts for which finished tasks
// report different keys.
func dkdDisagreements(tasks []sim.TaskStatus) []string {
	type first struct {
		task string
		key  [32]byte
	}
	seen := map[ids.DkdContextID]first{}
	var out []string
	for _, t := range tasks {
		if !t.Done || t.Err != nil {
			continue
		}
		res, ok := t.Result.(protocol.DkdResult)
		if !ok {
			continue
		}
		f, ok := seen[res.Context]
		if !ok {
			seen[res.Context] = first{task: t.Name, key: res.DerivedKey}
			continue
		}
		if f.key != res.DerivedKey {
			out = append(out, fmt.Sprintf("%s and %s derived different keys for %s", f.task, t.Name, res.Context))
		}
	}
	return out
}

func dkdAgreementHolds(s Step) (bool, string) {
	if d := dkdDisagreements(s.Snapshot.Tasks); len(d) > 0 {
		return false, fmt.Sprint(d)
	}
	return true, ""
}

// flowWithinLimit requires every charged budget to stay within its limit.
type flowWithinLimit struct {
	keys map[journal.BudgetKey]struct{}
}

func (*flowWithinLimit) Name() string { return FlowWithinLimit }

func (p *flowWithinLimit) Check(s Step) []Violation {
	for _, e := range s.Events {
		if e.Kind == sim.EventEffect && e.Command == guard.KindChargeBudget {
			p.keys[journal.BudgetKey{Context: e.Context, Peer: e.Peer}] = struct{}{}
		}
	}
	keys := make([]journal.BudgetKey, 0, len(p.keys))
	for k := range p.keys {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b journal.BudgetKey) int { return strings.Compare(a.String(), b.String()) })
	var out []Violation
	for _, l := range s.Snapshot.Ledgers {
		for _, k := range keys {
			b, err := l.GetFlowBudget(context.Background(), k.Context, k.Peer)
			if err != nil || b.Spent <= b.Limit {
				continue
			}
			out = append(out, safety(FlowWithinLimit, SeverityHigh, s.Tick,
				fmt.Sprintf("budget %s spent %d of %d", k, b.Spent, b.Limit)))
		}
	}
	return out
}

func tasksDone(s Step) (bool, string) {
	var waiting []string
	for _, t := range s.Snapshot.Tasks {
		if !t.Done {
			waiting = append(waiting, t.Name+" waiting on "+t.Waiting)
		}
	}
	return len(waiting) == 0, fmt.Sprint(waiting)
}

// headOf is the hash of the newest journal event in trace for account, or
// the zero hash.
func headOf(trace sim.Trace, account ids.AccountID) canonical.Hash {
	for i := len(trace) - 1; i >= 0; i-- {
		if j := trace[i].Journal; j != nil && j.Account == account {
			return j.Hash
		}
	}
	return canonical.Hash{}
}
