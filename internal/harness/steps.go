package harness

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/guard"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/protocol"
	"github.com/roach88/aura/internal/sim"
	"github.com/roach88/aura/internal/testutil"
)

// defaultCurrentVersion is the version every OTA participant starts from.
const defaultCurrentVersion = "1.0.0"

// role is one participant's part in a step.
type role struct {
	participant string
	// session routes the task's messages; roles of one protocol run share it.
	session ids.SessionID
	fn      sim.TaskFunc
}

// spawnStep starts the tasks of step i.
func (r *runner) spawnStep(i int) ([]spawned, error) {
	st := r.s.Steps[i]
	var (
		roles []role
		err   error
	)
	switch st.Op {
	case OpDkd:
		roles = r.dkdRoles(st)
	case OpResharing:
		roles, err = r.resharingRoles(st)
	case OpRecovery:
		roles, err = r.recoveryRoles(st)
	case OpCompleteRecovery:
		roles, err = r.completeRecoveryRoles(i, st)
	case OpOTA:
		roles, err = r.otaRoles(st)
	case OpSign:
		roles = r.signRoles(i, st)
	case OpSend:
		roles = r.sendRoles(i, st)
	default:
		err = fmt.Errorf("unknown op %q", st.Op)
	}
	if err != nil {
		return nil, err
	}

	out := make([]spawned, 0, len(roles))
	for _, ro := range roles {
		p, err := r.participant(ro.participant)
		if err != nil {
			return nil, err
		}
		fn := ro.fn
		if st.AfterMs > 0 {
			fn = delayed(uint64(st.AfterMs), fn)
		}
		name := fmt.Sprintf("%d/%s/%s", i+1, st.Op, ro.participant)
		t, err := r.world.Spawn(p, name, ro.session, fn)
		if err != nil {
			return nil, err
		}
		out = append(out, spawned{participant: ro.participant, task: t})
	}
	return out, nil
}

func delayed(ms uint64, fn sim.TaskFunc) sim.TaskFunc {
	return func(ctx context.Context, env *sim.Env) (any, error) {
		if err := env.SleepMs(ctx, ms); err != nil {
			return nil, err
		}
		return fn(ctx, env)
	}
}

// stepSession routes the tasks of a step that runs no choreography.
func stepSession(i int) ids.SessionID {
	return ids.NamedSession(fmt.Sprintf("step-%d", i+1))
}

func (r *runner) dkdRoles(st Step) []role {
	session := r.session(st.Session)
	participants := r.devices(st.Participants)
	out := make([]role, 0, len(st.Participants))
	for i, name := range st.Participants {
		author := r.author(name)
		req := protocol.DkdRequest{
			Session:      session,
			Participants: participants,
			AppLabel:     st.AppLabel,
			KeyShare:     testutil.KeyShare(i),
			Epoch:        1,
		}
		if i == 0 && st.Context != "" {
			req.Context = []byte(st.Context)
		}
		out = append(out, role{participant: name, session: session, fn: func(ctx context.Context, env *sim.Env) (any, error) {
			return env.Node(author, r.settings).RunDkd(ctx, req)
		}})
	}
	return out
}

// groupSecret is the account secret the scenario's shares are cut from. It
// is drawn from the world on first use, so it follows the seed.
func (r *runner) groupSecret() (crypto.Scalar, error) {
	if r.secret != nil {
		return *r.secret, nil
	}
	s, err := crypto.RandomScalar(r.world.Random().Reader())
	if err != nil {
		return crypto.Scalar{}, fmt.Errorf("draw group secret: %w", err)
	}
	r.secret = &s
	return s, nil
}

func (r *runner) resharingRoles(st Step) ([]role, error) {
	secret, err := r.groupSecret()
	if err != nil {
		return nil, err
	}
	threshold := int(r.acct.Ledger.State().Threshold)
	shares, _, err := crypto.Split(secret, threshold, len(st.Participants), r.world.Random().Reader())
	if err != nil {
		return nil, fmt.Errorf("split group secret: %w", err)
	}

	session := r.session(st.Session)
	newNames := st.NewParticipants
	if len(newNames) == 0 {
		newNames = st.Participants
	}
	base := protocol.ResharingRequest{
		Session:         session,
		OldParticipants: r.devices(st.Participants),
		NewParticipants: r.devices(newNames),
		NewThreshold:    st.NewThreshold,
		Epoch:           1,
	}

	names := slices.Clone(st.Participants)
	for _, n := range newNames {
		if !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	out := make([]role, 0, len(names))
	for i, name := range names {
		author := r.author(name)
		req := base
		if i < len(shares) {
			req.Share = shares[i]
		}
		out = append(out, role{participant: name, session: session, fn: func(ctx context.Context, env *sim.Env) (any, error) {
			return env.Node(author, r.settings).RunResharing(ctx, req)
		}})
	}
	return out, nil
}

// guardianShares cuts the group secret into one share per account guardian,
// indexed by the guardian's share index.
func (r *runner) guardianShares() (map[string]crypto.Share, []crypto.Point, error) {
	secret, err := r.groupSecret()
	if err != nil {
		return nil, nil, err
	}
	g := r.acct.Genesis
	shares, commits, err := crypto.Split(secret, int(g.GuardianThreshold), len(g.Guardians), r.world.Random().Reader())
	if err != nil {
		return nil, nil, fmt.Errorf("split guardian shares: %w", err)
	}
	out := make(map[string]crypto.Share, len(g.Guardians))
	for _, info := range g.Guardians {
		out[info.Name] = shares[info.ShareIndex-1]
	}
	return out, commits, nil
}

func (r *runner) recoveryRoles(st Step) ([]role, error) {
	shares, commits, err := r.guardianShares()
	if err != nil {
		return nil, err
	}
	session := r.session(st.Session)
	gids := make([]ids.GuardianID, len(st.Guardians))
	for i, name := range st.Guardians {
		g, ok := r.acct.Guardians[name]
		if !ok {
			return nil, fmt.Errorf("%q is not a guardian of the account", name)
		}
		gids[i] = g
	}
	base := protocol.RecoveryRequest{
		Session:     session,
		NewDevice:   r.device(st.NewDevice),
		Guardians:   gids,
		CooldownS:   st.CooldownS,
		Commitments: commits,
		Epoch:       1,
	}

	author := r.author(st.NewDevice)
	out := []role{{participant: st.NewDevice, session: session, fn: func(ctx context.Context, env *sim.Env) (any, error) {
		return env.Node(author, r.settings).RunRecovery(ctx, base)
	}}}
	for _, name := range st.Guardians {
		g, err := r.guardian(name)
		if err != nil {
			return nil, err
		}
		req := base
		req.Share = shares[name]
		out = append(out, role{participant: name, session: session, fn: func(ctx context.Context, env *sim.Env) (any, error) {
			return env.GuardianNode(g, r.settings).RunRecovery(ctx, req)
		}})
	}
	return out, nil
}

// completeRecoveryRoles forces the completion of a recovery with the root
// key the guardians' shares recombine to.
func (r *runner) completeRecoveryRoles(i int, st Step) ([]role, error) {
	secret, err := r.groupSecret()
	if err != nil {
		return nil, err
	}
	root, err := crypto.DeriveRootKey(secret, r.acct.ID.Bytes())
	if err != nil {
		return nil, fmt.Errorf("derive root key: %w", err)
	}
	session := r.session(st.Session)
	author := r.author(st.Device)
	return []role{{participant: st.Device, session: stepSession(i), fn: func(ctx context.Context, env *sim.Env) (any, error) {
		return env.Node(author, r.settings).CompleteRecovery(ctx, session, root)
	}}}, nil
}

func (r *runner) otaRoles(st Step) ([]role, error) {
	session := r.session(st.Session)
	participants := r.devices(st.Participants)
	u := st.Upgrade
	readiness := u.Readiness
	if readiness == 0 {
		readiness = len(participants)/2 + 1
	}
	current := u.Current
	if current == "" {
		current = defaultCurrentVersion
	}
	install := st.Install
	cfg := protocol.OTAConfig{ReadinessThreshold: readiness, QuorumSize: len(participants), EnforceEpochFence: true}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	proposal := protocol.UpgradeProposal{
		ProposalID:      uuid.NewSHA1(uuid.NameSpaceURL, []byte("proposal/"+u.Version)),
		PackageID:       uuid.NewSHA1(uuid.NameSpaceURL, []byte("package/"+u.Version)),
		Version:         u.Version,
		Kind:            protocol.UpgradeKind(u.Kind),
		Severity:        protocol.Severity(u.Severity),
		PackageHash:     canonical.Sum([]byte(u.Version)),
		ActivationEpoch: u.ActivationEpoch,
		Proposer:        participants[0],
	}

	out := make([]role, 0, len(participants))
	for i, name := range st.Participants {
		policy, err := protocol.ParsePolicy(policyOf(st, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		author := r.author(name)
		req := protocol.UpgradeRequest{Session: session, Participants: participants, Epoch: 1}
		if i == 0 {
			req.Proposal = proposal
		}
		out = append(out, role{participant: name, session: session, fn: func(ctx context.Context, env *sim.Env) (any, error) {
			o, err := protocol.NewOrchestrator(env.Node(author, r.settings), cfg, current, policy)
			if err != nil {
				return nil, err
			}
			rec, err := o.ProposeUpgrade(ctx, req)
			if err != nil || !install || rec.Status != protocol.UpgradeAccepted {
				return rec, err
			}
			return o.Install(ctx, rec.Proposal.Version)
		}})
	}
	return out, nil
}

func policyOf(st Step, name string) string {
	if p, ok := st.Policies[name]; ok {
		return p
	}
	return string(protocol.PolicyAutomatic)
}

// signRoles appends an AddDevice signed by Device and its co-signers.
func (r *runner) signRoles(i int, st Step) []role {
	author := r.author(st.Device)
	cosigners := r.acct.KeysOf(st.Signers...)
	key := crypto.DeviceKeyFromLabel(st.Enroll)
	payload := journal.AddDevice{Device: journal.DeviceInfo{ID: r.device(st.Enroll), Name: st.Enroll, PublicKey: key.Public()}}
	return []role{{participant: st.Device, session: stepSession(i), fn: func(ctx context.Context, env *sim.Env) (any, error) {
		ev, _, err := author.EmitThreshold(ctx, payload, effects.NowMs(ctx, env), cosigners)
		if err != nil {
			return nil, err
		}
		return ev, nil
	}}}
}

// sendRoles pushes one envelope through the guard chain.
func (r *runner) sendRoles(i int, st Step) []role {
	r.result.addFlow(st.Context, st.To)
	req := guard.Request{
		Context:  r.context(st.Context),
		Peer:     r.device(st.To),
		Envelope: []byte(fmt.Sprintf("%s/step-%d", r.s.Name, i+1)),
		Cost:     st.Cost,
	}
	return []role{{participant: st.From, session: stepSession(i), fn: func(ctx context.Context, env *sim.Env) (any, error) {
		req := req
		req.Authority = env.Participant().Device
		res, err := env.Executor().Send(ctx, req)
		return res.Decision, err
	}}}
}

// outcome classifies how a spawned task ended.
func (r *runner) outcome(sp spawned) RoleOutcome {
	out := RoleOutcome{Participant: sp.participant, Task: sp.task.Name()}
	if !sp.task.Done() {
		out.Outcome = "unfinished"
		out.Error = "waiting: " + sp.task.Waiting()
		return out
	}
	v, err := sp.task.Result()
	out.Value = v
	if err != nil {
		out.Outcome = outcomeOf(err)
		out.Error = err.Error()
		if roles, ok := faults.IsByzantine(err); ok {
			for _, ro := range roles {
				out.Accused = append(out.Accused, r.result.NameOf(ro.Device.String()))
			}
			slices.Sort(out.Accused)
			out.Accused = slices.Compact(out.Accused)
		}
	} else {
		out.Outcome = OutcomeOK
	}
	out.Fingerprint, out.Status = fingerprint(v)
	return out
}

func outcomeOf(err error) string {
	// A ledger refusal names its cause more precisely than its wrapper.
	var ae *faults.AuthorizationError
	if errors.As(err, &ae) {
		return strings.ToLower(string(ae.Code))
	}
	var be *faults.BudgetError
	if errors.As(err, &be) {
		return strings.ToLower(string(be.Code))
	}
	if code := faults.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "error"
}

// fingerprint identifies a task's value for agreement checks and, for an
// upgrade, reports its status.
func fingerprint(v any) (string, string) {
	switch x := v.(type) {
	case protocol.DkdResult:
		return hex.EncodeToString(x.DerivedKey[:]), ""
	case protocol.ResharingResult:
		return hex.EncodeToString(x.GroupPublicKey), ""
	case protocol.RecoveryResult:
		if x.NewDevice.IsZero() {
			return "", ""
		}
		return x.NewDevice.String(), ""
	case protocol.UpgradeRecord:
		if x.Status == "" {
			return "", ""
		}
		return x.Proposal.Version + ":" + string(x.Status), string(x.Status)
	case journal.Event:
		return string(x.Kind()), ""
	case guard.Decision:
		if x.Authorized {
			return "authorized", ""
		}
		return "denied", ""
	}
	return "", ""
}

// checkExpect compares a step's roles with its expectation.
func (r *runner) checkExpect(st Step, sr StepResult) []string {
	e := st.Expect
	if e == nil {
		return nil
	}
	prefix := fmt.Sprintf("step %d (%s)", sr.Index+1, st.Op)
	var errs []string

	for name := range e.Roles {
		if _, ok := sr.Role(name); !ok {
			errs = append(errs, fmt.Sprintf("%s: expected role %s did not run", prefix, name))
		}
	}
	for _, ro := range sr.Roles {
		want, ok := e.Roles[ro.Participant]
		if !ok {
			want = e.Outcome
		}
		if want == "" {
			continue
		}
		if ro.Outcome != want {
			msg := fmt.Sprintf("%s: %s ended %s, expected %s", prefix, ro.Participant, ro.Outcome, want)
			if ro.Error != "" {
				msg += ": " + ro.Error
			}
			errs = append(errs, msg)
			continue
		}
		if want == OutcomeOK {
			continue
		}
		if e.Detail != "" && !strings.Contains(ro.Error, e.Detail) {
			errs = append(errs, fmt.Sprintf("%s: %s error %q lacks %q", prefix, ro.Participant, ro.Error, e.Detail))
		}
		if want == strings.ToLower(string(faults.CodeByzantine)) && len(e.Accused) > 0 {
			accused := slices.Sorted(slices.Values(e.Accused))
			if !slices.Equal(ro.Accused, accused) {
				errs = append(errs, fmt.Sprintf("%s: %s accused %v, expected %v", prefix, ro.Participant, ro.Accused, accused))
			}
		}
	}

	if e.Agree {
		var first RoleOutcome
		for _, ro := range sr.Roles {
			if ro.Outcome != OutcomeOK {
				continue
			}
			if first.Participant == "" {
				first = ro
				continue
			}
			if ro.Fingerprint != first.Fingerprint {
				errs = append(errs, fmt.Sprintf("%s: %s result %s differs from %s result %s",
					prefix, ro.Participant, ro.Fingerprint, first.Participant, first.Fingerprint))
			}
		}
	}

	for name, want := range e.Status {
		ro, ok := sr.Role(name)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: expected status of %s, which did not run", prefix, name))
			continue
		}
		if ro.Status != want {
			errs = append(errs, fmt.Sprintf("%s: %s status %q, expected %q", prefix, ro.Participant, ro.Status, want))
		}
	}
	// Map iteration above is unordered; keep messages stable.
	slices.Sort(errs)
	return errs
}
